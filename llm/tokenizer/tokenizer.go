package tokenizer

import (
	"sync"

	"github.com/BaSui01/agentgate/types"
)

var (
	byModel   = make(map[string]*TiktokenTokenizer)
	byModelMu sync.Mutex
)

// ForModel 返回模型对应的分词器，同一模型复用同一实例
func ForModel(model string) types.Tokenizer {
	byModelMu.Lock()
	defer byModelMu.Unlock()
	if t, ok := byModel[model]; ok {
		return t
	}
	t := NewTiktokenTokenizer(model)
	byModel[model] = t
	return t
}
