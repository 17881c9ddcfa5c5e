package uplink

import (
	"fmt"
	"time"
)

// State 上行链路状态
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateStreaming
	StateBackoff
	StateDraining
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateStreaming:
		return "STREAMING"
	case StateBackoff:
		return "BACKOFF"
	case StateDraining:
		return "DRAINING"
	case StateStopped:
		return "STOPPED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// EventKind 事件类型
type EventKind int

const (
	EventStateChange EventKind = iota
	EventEviction
	EventBackpressure
	EventReconnectScheduled
	EventConnected
	EventCompleted
	EventFailed
)

func (k EventKind) String() string {
	switch k {
	case EventStateChange:
		return "state_change"
	case EventEviction:
		return "eviction"
	case EventBackpressure:
		return "backpressure"
	case EventReconnectScheduled:
		return "reconnect_scheduled"
	case EventConnected:
		return "connected"
	case EventCompleted:
		return "completed"
	case EventFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Event 发布给宿主的事件，按 Kind 使用对应字段
type Event struct {
	Kind EventKind
	Time time.Time

	State     State         // StateChange
	Seq       uint64        // Eviction: 被淘汰的序列号; Connected: 恢复点
	Paused    bool          // Backpressure
	Attempt   int           // ReconnectScheduled
	Delay     time.Duration // ReconnectScheduled
	Ceiling   time.Duration // ReconnectScheduled
	SessionID string        // Connected
	Remaining int           // Completed: 未能送出的数据块数
	Err       error
}

func (e Event) String() string {
	switch e.Kind {
	case EventStateChange:
		return fmt.Sprintf("%s state=%s", e.Kind, e.State)
	case EventEviction:
		return fmt.Sprintf("%s seq=%d err=%v", e.Kind, e.Seq, e.Err)
	case EventBackpressure:
		return fmt.Sprintf("%s paused=%t", e.Kind, e.Paused)
	case EventReconnectScheduled:
		return fmt.Sprintf("%s attempt=%d delay=%v ceiling=%v err=%v", e.Kind, e.Attempt, e.Delay, e.Ceiling, e.Err)
	case EventConnected:
		return fmt.Sprintf("%s session=%s resume_after=%d", e.Kind, e.SessionID, e.Seq)
	case EventCompleted:
		return fmt.Sprintf("%s remaining=%d", e.Kind, e.Remaining)
	case EventFailed:
		return fmt.Sprintf("%s err=%v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}
