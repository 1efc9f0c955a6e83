package protocol

// Status はプロトコルの処理状態
type Status string

const (
	StatusCreated    Status = "created"
	StatusAnalyzing  Status = "analyzing"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

var transitions = map[Status][]Status{
	StatusCreated:    {StatusAnalyzing},
	StatusAnalyzing:  {StatusProcessing, StatusError},
	StatusProcessing: {StatusCompleted, StatusError},
	// 再処理は新しい実行として analyzing から始まる
	StatusCompleted: {StatusAnalyzing},
	StatusError:     {StatusAnalyzing},
}

// CanTransition は from から to への遷移が許可されているかを返す
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal は実行が終了した状態かを返す
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError
}

// IsInFlight は実行中の状態かを返す
func (s Status) IsInFlight() bool {
	return s == StatusAnalyzing || s == StatusProcessing
}

// IsValid は既知の状態かを返す
func (s Status) IsValid() bool {
	_, ok := transitions[s]
	return ok
}
