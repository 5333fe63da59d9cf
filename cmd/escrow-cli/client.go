package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"bookingescrow/cmd/internal/secret"
	"bookingescrow/crypto"
	"bookingescrow/gateway/middleware"
)

const tokenTTL = 5 * time.Minute

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type rpcClient struct {
	endpoint   string
	caller     string
	issuer     string
	audience   string
	secret     *secret.Source
	noAuth     bool
	httpClient *http.Client
}

func (c *rpcClient) call(method string, params interface{}, requireAuth bool) (json.RawMessage, *rpcError, error) {
	payload := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
	}
	if params != nil {
		payload["params"] = []interface{}{params}
	} else {
		payload["params"] = []interface{}{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, err
	}
	req, err := http.NewRequest(http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.HeaderRequestID, uuid.NewString())
	if requireAuth {
		if err := c.authorize(req); err != nil {
			return nil, nil, err
		}
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read RPC response: %w", err)
	}

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		return nil, nil, fmt.Errorf("unexpected response (%s): %s", resp.Status, strings.TrimSpace(string(raw)))
	}
	return rpcResp.Result, rpcResp.Error, nil
}

// authorize signs a token for the caller, or names the caller in a header
// when the node runs without authentication.
func (c *rpcClient) authorize(req *http.Request) error {
	caller, err := c.callerIdentity()
	if err != nil {
		return err
	}
	if c.noAuth {
		req.Header.Set(middleware.HeaderCaller, crypto.FormatIdentity(caller))
		return nil
	}
	token, err := c.token(caller)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func (c *rpcClient) callerIdentity() ([20]byte, error) {
	if strings.TrimSpace(c.caller) == "" {
		return [20]byte{}, errors.New("--as is required for this command")
	}
	caller, err := crypto.ParseIdentity(c.caller)
	if err != nil {
		return [20]byte{}, fmt.Errorf("--as: %w", err)
	}
	return caller, nil
}

func (c *rpcClient) token(caller [20]byte) (string, error) {
	key, err := c.secret.Get()
	if err != nil {
		return "", err
	}
	return middleware.IssueToken(key, caller, c.issuer, c.audience, tokenTTL)
}

func writeResult(w io.Writer, result json.RawMessage) {
	if len(result) == 0 {
		fmt.Fprintln(w, "null")
		return
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, result, "", "  "); err != nil {
		_, _ = w.Write(result)
		fmt.Fprintln(w)
		return
	}
	pretty.WriteByte('\n')
	_, _ = w.Write(pretty.Bytes())
}
