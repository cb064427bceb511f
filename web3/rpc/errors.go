package rpc

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// permanentErrorPatterns are node answers that another attempt, on this or
// any other endpoint, would not change.
var permanentErrorPatterns = []string{
	"execution reverted",
	"insufficient funds",
	"nonce too low",
	"already known",
	"transaction underpriced",
	"intrinsic gas too low",
}

// IsPermanentError reports whether err should not be retried.
func IsPermanentError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ethereum.NotFound) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range permanentErrorPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// RPCError is a JSON-RPC error with its code and data.
type RPCError struct {
	Code    int           `json:"code"`
	Message string        `json:"message"`
	Data    hexutil.Bytes `json:"data"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("%s (code: %d, data: %s)", e.Message, e.Code, e.Data.String())
}

func (e *RPCError) ErrorCode() int { return e.Code }

func (e *RPCError) ErrorData() any { return e.Data }

// ParseError extracts the JSON-RPC code and data carried by err, if any. It
// returns nil for a nil error.
func ParseError(err error) *RPCError {
	if err == nil {
		return nil
	}
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	out := &RPCError{Message: err.Error()}
	var codeErr gethrpc.Error
	if errors.As(err, &codeErr) {
		out.Code = codeErr.ErrorCode()
		out.Message = codeErr.Error()
	}
	var dataErr gethrpc.DataError
	if errors.As(err, &dataErr) {
		switch v := dataErr.ErrorData().(type) {
		case []byte:
			out.Data = v
		case string:
			if b, derr := hexutil.Decode(v); derr == nil {
				out.Data = b
			}
		}
	}
	return out
}
