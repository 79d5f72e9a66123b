package llm

import (
	"context"
	"encoding/json"
)

// Request 描述一次评审调用：系统指令、用户内容与采样温度。
type Request struct {
	System      string
	Prompt      string
	Temperature float64
}

// Client 定义了调用大模型的统一接口。实现必须返回合法的 JSON 对象，
// 解析失败由调用方处理。
type Client interface {
	Evaluate(ctx context.Context, req Request) (json.RawMessage, error)
}
