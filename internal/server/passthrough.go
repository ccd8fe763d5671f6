package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/ChuLiYu/genbroker/internal/broker"
	"github.com/ChuLiYu/genbroker/internal/jobfile"
	"github.com/ChuLiYu/genbroker/pkg/types"
)

// PassthroughFunc 一個附加操作；body 為請求內容（可能為空）
type PassthroughFunc func(ctx context.Context, body []byte) (any, error)

// ErrUnknownOperation 未註冊的附加操作
var ErrUnknownOperation = errors.New("unknown operation")

// Passthrough 控制介面的附加操作，broker 只負責轉交
type Passthrough struct {
	mu  sync.RWMutex
	ops map[string]PassthroughFunc
}

// NewPassthrough 建立並註冊內建操作：version、output_dir、export_template、import_jobs
func NewPassthrough(cfg Config, b *broker.Broker) *Passthrough {
	p := &Passthrough{ops: make(map[string]PassthroughFunc)}

	p.Register("version", func(context.Context, []byte) (any, error) {
		return map[string]string{"version": cfg.Version}, nil
	})
	p.Register("output_dir", func(context.Context, []byte) (any, error) {
		return map[string]string{"output_dir": cfg.OutputDir}, nil
	})
	p.Register("export_template", func(context.Context, []byte) (any, error) {
		var buf bytes.Buffer
		if err := jobfile.WriteTemplate(&buf); err != nil {
			return nil, err
		}
		return map[string]string{"format": "yaml", "content": buf.String()}, nil
	})
	p.Register("import_jobs", func(ctx context.Context, body []byte) (any, error) {
		return importJobs(ctx, b, body)
	})
	return p
}

// Register 加入或覆蓋一個操作
func (p *Passthrough) Register(name string, fn PassthroughFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ops[name] = fn
}

// Names 已註冊的操作名稱
func (p *Passthrough) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.ops))
	for name := range p.ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Call 執行操作
func (p *Passthrough) Call(ctx context.Context, name string, body []byte) (any, error) {
	p.mu.RLock()
	fn, ok := p.ops[name]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, name)
	}
	return fn(ctx, body)
}

// ImportResult import_jobs 的結果
type ImportResult struct {
	Count    int           `json:"count"`
	Enqueued []types.JobID `json:"enqueued"`
	Errors   []string      `json:"errors"`
}

// importJobs 解析批次內容並逐筆入隊，逐行回報錯誤
func importJobs(ctx context.Context, b *broker.Broker, body []byte) (any, error) {
	// 接受 {"content": "<yaml>"} 或直接的 {"jobs": [...]}
	var wrapped struct {
		Content *string `json:"content"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Content != nil {
		body = []byte(*wrapped.Content)
	}

	f, err := jobfile.Parse(body)
	if err != nil {
		return nil, CodedError(http.StatusBadRequest, err)
	}

	specs, rowErrs := f.Specs("")
	res := ImportResult{Enqueued: []types.JobID{}, Errors: []string{}}
	for _, re := range rowErrs {
		res.Errors = append(res.Errors, re.Error())
	}
	for i, spec := range specs {
		id, err := b.Enqueue(ctx, spec)
		if err != nil {
			if errors.Is(err, broker.ErrStopped) || errors.Is(err, broker.ErrNotStarted) {
				return nil, err
			}
			res.Errors = append(res.Errors, fmt.Sprintf("job %d: %v", i+1, err))
			continue
		}
		res.Enqueued = append(res.Enqueued, id)
	}
	res.Count = len(res.Enqueued)
	return res, nil
}
