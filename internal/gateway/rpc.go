package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/vrscpool/poolmgr/internal/lib/misc"
)

// RPCClient is a thin JSON-RPC client for a verusd instance. There is no
// maintained Go client for the Verus daemon, so we talk the wire protocol
// directly with a connection-reuse friendly transport.
type RPCClient struct {
	url    string
	user   string
	pass   string
	hc     *http.Client
	logger *slog.Logger
}

func NewRPCClient(logger *slog.Logger, url, user, pass string) *RPCClient {
	// Override the default transport so parallel currency workers can reuse
	// connections to the same daemon.
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.MaxIdleConns = 100
	tr.MaxConnsPerHost = 100
	tr.MaxIdleConnsPerHost = 100
	return &RPCClient{
		url:    strings.TrimRight(url, "/"),
		user:   user,
		pass:   pass,
		hc:     &http.Client{Transport: tr},
		logger: logger,
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// Call invokes method and unmarshals the result into out (out may be nil).
func (c *RPCClient) Call(ctx context.Context, method string, params []any, out any) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "1.0", ID: "poolmgr", Method: method, Params: params})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.user, c.pass)
	req.Header.Set("Content-Type", "application/json")

	misc.Debugf(c.logger, "rpc call %s", method)
	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("rpc %s: %w", method, err)
	}
	defer resp.Body.Close()

	var decoded rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return fmt.Errorf("rpc %s: decoding response: %w", method, err)
	}
	if decoded.Error != nil {
		return fmt.Errorf("rpc %s: %w", method, decoded.Error)
	}
	if out != nil {
		if err := json.Unmarshal(decoded.Result, out); err != nil {
			return fmt.Errorf("rpc %s: decoding result: %w", method, err)
		}
	}
	return nil
}
