package esclient

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Bulk 动作类型
const (
	ActionIndex  = "index"
	ActionDelete = "delete"
)

// BulkAction 一条 bulk 请求行（delete 无文档行）
type BulkAction struct {
	Action string
	ID     string
	Doc    []byte
}

type bulkMeta struct {
	Index string `json:"_index"`
	ID    string `json:"_id"`
}

// EncodeBulk 组装 NDJSON：动作行 + 可选文档行，每行以 \n 结尾
func EncodeBulk(index string, actions []BulkAction) ([]byte, error) {
	var buf bytes.Buffer
	for i, a := range actions {
		if a.Action != ActionIndex && a.Action != ActionDelete {
			return nil, fmt.Errorf("bulk action %d: unsupported action %q", i, a.Action)
		}
		meta, err := json.Marshal(map[string]bulkMeta{a.Action: {Index: index, ID: a.ID}})
		if err != nil {
			return nil, fmt.Errorf("bulk action %d: %w", i, err)
		}
		buf.Write(meta)
		buf.WriteByte('\n')
		if a.Action == ActionIndex {
			if !json.Valid(a.Doc) {
				return nil, fmt.Errorf("bulk action %d: document is not valid JSON", i)
			}
			var compact bytes.Buffer
			if err := json.Compact(&compact, a.Doc); err != nil {
				return nil, fmt.Errorf("bulk action %d: %w", i, err)
			}
			buf.Write(compact.Bytes())
			buf.WriteByte('\n')
		}
	}
	return buf.Bytes(), nil
}

// BulkResponse _bulk 响应
type BulkResponse struct {
	Took   int                         `json:"took"`
	Errors bool                        `json:"errors"`
	Items  []map[string]BulkItemResult `json:"items"`
}

// BulkItemResult 单项结果
type BulkItemResult struct {
	Index  string          `json:"_index"`
	ID     string          `json:"_id"`
	Status int             `json:"status"`
	Result string          `json:"result,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
}

// ErrorType 取 error.type，便于日志
func (r BulkItemResult) ErrorType() string {
	if len(r.Error) == 0 {
		return ""
	}
	var e struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(r.Error, &e); err != nil {
		return string(r.Error)
	}
	return e.Type
}

// Match 按请求顺序对齐响应项；数量或动作/ID 不一致时 ok=false
func (r *BulkResponse) Match(actions []BulkAction) ([]BulkItemResult, bool) {
	if r == nil || len(r.Items) != len(actions) {
		return nil, false
	}
	out := make([]BulkItemResult, len(actions))
	for i, item := range r.Items {
		res, ok := item[actions[i].Action]
		if !ok || len(item) != 1 {
			return nil, false
		}
		if res.ID != "" && res.ID != actions[i].ID {
			return nil, false
		}
		out[i] = res
	}
	return out, true
}
