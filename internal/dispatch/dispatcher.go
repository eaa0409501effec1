package dispatch

import (
	"context"
	"log"
	"time"
)

// Completer 推理后端接口：prompt进，文本出
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Result 一次分发的最终结果，按RequestID关联回原请求
type Result struct {
	RequestID string
	Output    string
	Err       error
}

// DeliverFunc 结果投递回调，由持有连接的一方提供
// 连接已进入Closing时投递方负责丢弃
type DeliverFunc func(Result)

// DispatcherConfig 分发器配置
type DispatcherConfig struct {
	RequestTimeout time.Duration // 单次后端调用超时
}

// DefaultDispatcherConfig 默认配置
func DefaultDispatcherConfig() *DispatcherConfig {
	return &DispatcherConfig{
		RequestTimeout: 60 * time.Second,
	}
}

// Dispatcher 请求分发器
// 每个请求在独立goroutine中调用后端，同一连接上允许多个在途请求，
// 完成顺序不保证与发送顺序一致
type Dispatcher struct {
	backend Completer
	config  *DispatcherConfig
}

// New 创建分发器
func New(backend Completer, config *DispatcherConfig) *Dispatcher {
	if config == nil {
		config = DefaultDispatcherConfig()
	}
	return &Dispatcher{
		backend: backend,
		config:  config,
	}
}

// Dispatch 异步分发请求到推理后端
// 后端失败（超时、出错）以Result.Err投递，从不静默丢弃，
// 也不由本层关闭连接
func (d *Dispatcher) Dispatch(ctx context.Context, userID, requestID, prompt string, deliver DeliverFunc) {
	go func() {
		cctx, cancel := context.WithTimeout(ctx, d.config.RequestTimeout)
		defer cancel()

		start := time.Now()
		output, err := d.backend.Complete(cctx, prompt)
		if err != nil {
			log.Printf("Backend completion failed: user=%s request=%s elapsed=%v err=%v",
				userID, requestID, time.Since(start), err)
			deliver(Result{RequestID: requestID, Err: err})
			return
		}

		deliver(Result{RequestID: requestID, Output: output})
	}()
}
