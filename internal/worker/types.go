package worker

import (
	"time"

	"github.com/ChuLiYu/genbroker/pkg/types"
)

// Config 模擬 agent 的行為參數
type Config struct {
	URL         string        // broker 的 WebSocket 位址，例如 ws://localhost:12345/ws
	PageURL     string        // 註冊時回報的頁面位址
	MinDelay    time.Duration // 模擬生成時間下限
	MaxDelay    time.Duration // 模擬生成時間上限
	FailureRate float64       // 0~1，模擬生成失敗的機率
	ChunkSize   int           // base64 字元數超過此值時分塊傳送；0 表示一律整包傳送
	ImageSize   int           // 產生的 PNG 邊長（像素）
	Seed        int64         // 亂數種子；0 表示依時間
}

// DefaultConfig 預設值
func DefaultConfig(url string) Config {
	return Config{
		URL:         url,
		PageURL:     "https://labs.google/fx/tools/flow",
		MinDelay:    500 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		FailureRate: 0.1,
		ChunkSize:   256 << 10,
		ImageSize:   256,
	}
}

// Outcome 一個任務的執行結果
type Outcome struct {
	JobID    types.JobID
	Success  bool
	Chunks   int // 0 表示以 image_data 整包傳送
	Duration time.Duration
}

// Stats 累計統計
type Stats struct {
	Completed int64
	Failed    int64
}
