package lagtracker

import "errors"

// 模块级类型化错误：集成方编程错误，同步抛给调用者。
// 数据质量问题（坏 tick、样本不足）不走 error，见各方法的 bool/nil 约定。
var (
	// ErrNotInitialized 在 Init 之前调用查询接口
	ErrNotInitialized = errors.New("lagtracker: module not initialized")
	// ErrInvalidSymbol 标的不在支持集合内
	ErrInvalidSymbol = errors.New("lagtracker: invalid symbol")
)
