package codec

import (
	"encoding/json"
	"fmt"
)

// ServerInfo is the INFO payload. Only MaxPayload drives client behaviour;
// Raw keeps the original JSON for callers that want the other fields.
type ServerInfo struct {
	ServerID     string `json:"server_id"`
	ServerName   string `json:"server_name,omitempty"`
	Version      string `json:"version,omitempty"`
	Proto        int    `json:"proto,omitempty"`
	Host         string `json:"host,omitempty"`
	Port         int    `json:"port,omitempty"`
	MaxPayload   int64  `json:"max_payload"`
	ClientID     uint64 `json:"client_id,omitempty"`
	AuthRequired bool   `json:"auth_required,omitempty"`
	TLSRequired  bool   `json:"tls_required,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// ConnectInfo is the CONNECT payload. The credential fields are dropped from
// the JSON when empty.
type ConnectInfo struct {
	Verbose     bool   `json:"verbose"`
	Pedantic    bool   `json:"pedantic"`
	SSLRequired bool   `json:"ssl_required"`
	Name        string `json:"name"`
	Lang        string `json:"lang"`
	Version     string `json:"version"`
	User        string `json:"user,omitempty"`
	Pass        string `json:"pass,omitempty"`
	AuthToken   string `json:"auth_token,omitempty"`
}

func ParseServerInfo(payload []byte) (ServerInfo, error) {
	var info ServerInfo
	if err := json.Unmarshal(payload, &info); err != nil {
		return ServerInfo{}, fmt.Errorf("decode INFO: %w", err)
	}
	if info.MaxPayload < 0 {
		return ServerInfo{}, fmt.Errorf("decode INFO: negative max_payload %d", info.MaxPayload)
	}
	info.Raw = append(json.RawMessage(nil), payload...)
	return info, nil
}

func ParseConnectInfo(payload []byte) (ConnectInfo, error) {
	var info ConnectInfo
	if err := json.Unmarshal(payload, &info); err != nil {
		return ConnectInfo{}, fmt.Errorf("decode CONNECT: %w", err)
	}
	return info, nil
}

// AppendConnect appends CONNECT <json>\r\n.
func AppendConnect(dst []byte, info ConnectInfo) ([]byte, error) {
	return appendJSONLine(dst, "CONNECT ", info)
}

// AppendInfo appends INFO <json>\r\n.
func AppendInfo(dst []byte, info ServerInfo) ([]byte, error) {
	return appendJSONLine(dst, "INFO ", info)
}

func appendJSONLine(dst []byte, prefix string, v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return dst, err
	}
	dst = append(dst, prefix...)
	dst = append(dst, body...)
	return append(dst, crlf...), nil
}
