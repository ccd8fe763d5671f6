package types

import "errors"

// 各模組共用的錯誤定義，呼叫端以 errors.Is 判斷
var (
	ErrInvalidJobSpec        = errors.New("invalid job spec")
	ErrDuplicateJob          = errors.New("job already exists")
	ErrUnknownWorker         = errors.New("unknown worker")
	ErrUnknownJob            = errors.New("unknown job")
	ErrDuplicateRegistration = errors.New("connection already registered")
	ErrInvalidTransition     = errors.New("invalid state transition")
	ErrGenerationFailure     = errors.New("generation failed")
	ErrGenerationTimeout     = errors.New("generation timed out")
	ErrIncompleteTransfer    = errors.New("incomplete transfer")
)
