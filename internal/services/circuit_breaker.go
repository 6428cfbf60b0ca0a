package services

import (
	"sync"
	"time"
)

// BreakerState 熔断器状态
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // 正常放行
	BreakerOpen                         // 熔断中，直接拒绝
	BreakerHalfOpen                     // 试探
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig 熔断器配置
type CircuitBreakerConfig struct {
	MaxFailures     int           `mapstructure:"max_failures" yaml:"max_failures"`
	ResetTimeout    time.Duration `mapstructure:"reset_timeout" yaml:"reset_timeout"`
	HalfOpenMaxReqs int           `mapstructure:"half_open_max_reqs" yaml:"half_open_max_reqs"`
}

func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		MaxFailures:     5,
		ResetTimeout:    time.Minute,
		HalfOpenMaxReqs: 1,
	}
}

// CircuitBreaker guards one webhook endpoint.
type CircuitBreaker struct {
	config       *CircuitBreakerConfig
	state        BreakerState
	failureCount int
	lastFailTime time.Time
	halfOpenReqs int
	now          func() time.Time
	mu           sync.Mutex
}

func NewCircuitBreakerWithConfig(config *CircuitBreakerConfig) *CircuitBreaker {
	if config == nil {
		config = DefaultCircuitBreakerConfig()
	}
	return &CircuitBreaker{config: config, state: BreakerClosed, now: time.Now}
}

// Allow 检查是否允许请求通过；熔断超过 ResetTimeout 后进入半开状态
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if cb.now().Sub(cb.lastFailTime) > cb.config.ResetTimeout {
			cb.state = BreakerHalfOpen
			cb.halfOpenReqs = 1
			return true
		}
		return false
	case BreakerHalfOpen:
		if cb.halfOpenReqs < cb.config.HalfOpenMaxReqs {
			cb.halfOpenReqs++
			return true
		}
		return false
	default:
		return false
	}
}

func (cb *CircuitBreaker) OnSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = BreakerClosed
	cb.failureCount = 0
	cb.halfOpenReqs = 0
}

func (cb *CircuitBreaker) OnFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++
	cb.lastFailTime = cb.now()
	switch cb.state {
	case BreakerClosed:
		if cb.failureCount >= cb.config.MaxFailures {
			cb.state = BreakerOpen
		}
	case BreakerHalfOpen:
		// 半开失败立即重新熔断
		cb.state = BreakerOpen
		cb.halfOpenReqs = 0
	}
}

func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) Stats() map[string]interface{} {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return map[string]interface{}{
		"state":          cb.state.String(),
		"failure_count":  cb.failureCount,
		"last_fail_time": cb.lastFailTime,
		"max_failures":   cb.config.MaxFailures,
		"reset_timeout":  cb.config.ResetTimeout.String(),
	}
}
