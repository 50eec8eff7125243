package fetcher

import (
	"context"
	"testing"
)

func TestChainMissingConfig(t *testing.T) {
	chain := NewChain(ChainOptions{}, noopLogger())
	if _, err := chain.FetchRound(context.Background(), "0x0000000000000000000000000000000000000001"); err == nil {
		t.Fatal("未配置 RPC 时应报错")
	}

	chain = NewChain(ChainOptions{RPCURL: "http://localhost"}, noopLogger())
	if _, err := chain.FetchRound(context.Background(), "not-an-address"); err == nil {
		t.Fatal("非法合约地址应报错")
	}
}
