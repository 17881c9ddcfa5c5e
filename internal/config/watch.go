package config

import (
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ChangeHandler 配置文件变化回调。新配置无效时 cfg 为 nil
type ChangeHandler func(cfg *Config, err error)

// Loader 持有 viper 实例，可监控配置文件变化
type Loader struct {
	mu       sync.RWMutex
	v        *viper.Viper
	current  *Config
	handlers []ChangeHandler
	watching bool
}

// NewLoader 加载配置并返回 Loader
func NewLoader(path string) (*Loader, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	cfg, v, err := load(newViper(path))
	if err != nil {
		return nil, err
	}
	return &Loader{v: v, current: cfg}, nil
}

// Config 返回当前配置
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// ConfigFile 返回实际使用的配置文件，没有文件时为空
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

// OnChange 注册配置变化回调
func (l *Loader) OnChange(handler ChangeHandler) {
	l.mu.Lock()
	l.handlers = append(l.handlers, handler)
	l.mu.Unlock()
}

// Watch 监控配置文件，变化后重新解析并通知回调。无效的新配置不会替换当前配置
func (l *Loader) Watch() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.watching || l.v.ConfigFileUsed() == "" {
		return false
	}
	l.watching = true

	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		l.reload()
	})
	l.v.WatchConfig()
	return true
}

func (l *Loader) reload() {
	cfg, _, err := decode(l.v)

	l.mu.Lock()
	if err == nil {
		l.current = cfg
	}
	handlers := append([]ChangeHandler(nil), l.handlers...)
	l.mu.Unlock()

	for _, h := range handlers {
		h(cfg, err)
	}
}
