package rpc

// SearcherServiceName is the fully-qualified name of the control surface.
const SearcherServiceName = "searcher.v1.SearcherService"

const (
	UpdateCodeProcedure       = "/" + SearcherServiceName + "/UpdateCode"
	UpdateProfitRateProcedure = "/" + SearcherServiceName + "/UpdateProfitRate"
	UpdateRoutePathsProcedure = "/" + SearcherServiceName + "/UpdateRoutePaths"
	GetStatusProcedure        = "/" + SearcherServiceName + "/GetStatus"
)

type UpdateCodeRequest struct {
	// Hex encoded runtime bytecode, 0x prefix optional. Empty disables evaluation.
	Bytecode string `json:"bytecode"`
}

type UpdateCodeResponse struct {
	CodeSize int    `json:"code_size"`
	CodeHash string `json:"code_hash"`
}

// UpdateProfitRateRequest carries optional thresholds; an absent field keeps its current value.
type UpdateProfitRateRequest struct {
	MinProfit *uint64 `json:"min_profit,omitempty"`
	MaxProfit *uint64 `json:"max_profit,omitempty"`
}

type UpdateProfitRateResponse struct {
	MinProfit uint64 `json:"min_profit"`
	MaxProfit uint64 `json:"max_profit"`
}

type TokenInput struct {
	Address  string `json:"address"`
	Priority int    `json:"priority"` // 0 (beginning) .. 5 (very low)
}

type DexInput struct {
	Address string `json:"address"`
	DexType int    `json:"dex_type"`
}

type UpdateRoutePathsRequest struct {
	NewTokens        []TokenInput `json:"new_tokens,omitempty"`
	DeprecatedTokens []string     `json:"deprecated_tokens,omitempty"`
	NewDexs          []DexInput   `json:"new_dexs,omitempty"`
	DeprecatedDexs   []string     `json:"deprecated_dexs,omitempty"`
}

type UpdateRoutePathsResponse struct {
	Tokens     int `json:"tokens"`
	Dexs       int `json:"dexs"`
	Candidates int `json:"candidates"`
}

type GetStatusRequest struct{}

type GetStatusResponse struct {
	ChainID          uint64 `json:"chain_id"`
	CodeSize         int    `json:"code_size"`
	CodeHash         string `json:"code_hash"`
	MinProfit        uint64 `json:"min_profit"`
	MaxProfit        uint64 `json:"max_profit"`
	MinProfitPercent string `json:"min_profit_percent"`
	MaxProfitPercent string `json:"max_profit_percent"`
	MaxProfitPolicy  string `json:"max_profit_policy"`
	Candidates       int    `json:"candidates"`
	FinishedHeight   uint64 `json:"finished_height"`
	StateVersion     uint64 `json:"state_version"`
}
