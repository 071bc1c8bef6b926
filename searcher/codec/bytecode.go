package codec

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ParseBytecode decodes hex bytecode with or without the 0x prefix. "" and "0x" decode to
// empty code, which disables evaluation.
func ParseBytecode(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0x" || s == "0X" {
		return []byte{}, nil
	}
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	code, err := hexutil.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex bytecode: %w", err)
	}
	return code, nil
}
