package collab

import (
	"context"
	"errors"
)

var MaxSemaphore int = 100

// SemaphoreControl 用带缓冲 channel 实现的计数信号量，
// 限制同时在途的提交/发送数量
type SemaphoreControl struct {
	ch chan struct{}
}

func NewSemaphoreControl() *SemaphoreControl {
	return &SemaphoreControl{ch: make(chan struct{}, MaxSemaphore)}
}

func (s *SemaphoreControl) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return errors.New("Acquire Reach time limit")
	}
}

func (s *SemaphoreControl) Release() error {
	select {
	case <-s.ch:
		return nil
	default:
		return errors.New("Release Failed, semaphore is not acquired")
	}
}
