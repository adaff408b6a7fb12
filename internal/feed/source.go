package feed

import "github.com/MatthewMakesMagic/poly-sub012/internal/domain"

// TickHandler 是行情回调。实现方必须自行保证回调内不 panic、不长时间阻塞。
type TickHandler func(domain.Tick)

// Source 是行情源的统一订阅接口：按标的订阅，返回退订函数。
// 同一标的允许多个订阅者，各自退订互不影响。
type Source interface {
	Subscribe(symbol string, handler TickHandler) (func() error, error)
}
