package wire

import (
	"encoding/json"
	"fmt"
)

// Frame types originated by daemons.
const (
	TypeRegistration = "registration"
	TypeHeartbeat    = "heartbeat"
	TypeResult       = "result"
	TypeAlert        = "alert"
	TypeEvent        = "event"
)

// Frame types originated by Prime.
const (
	TypeRegistrationAck = "registration_ack"
)

// Command types Prime routes to daemon handlers. The set is open: any
// tool may forward a type the daemon recognizes (browser_* in particular).
const (
	CmdPing       = "ping"
	CmdShell      = "shell"
	CmdReadFile   = "read_file"
	CmdWriteFile  = "write_file"
	CmdListFiles  = "list_files"
	CmdSystemInfo = "system_info"
)

// Registration is the mandatory first frame on a daemon connection.
type Registration struct {
	Type            string   `json:"type"`
	RegistrationKey string   `json:"registration_key"`
	Name            string   `json:"name"`
	Hostname        string   `json:"hostname"`
	Capabilities    []string `json:"capabilities"`
	IsSoulDaemon    bool     `json:"is_soul_daemon"`
	AlfredRoot      string   `json:"alfred_root,omitempty"`
}

// RegistrationAck tells the daemon whether it is in. DaemonID is empty on
// rejection.
type RegistrationAck struct {
	Type     string `json:"type"`
	Success  bool   `json:"success"`
	DaemonID string `json:"daemon_id"`
	Message  string `json:"message,omitempty"`
}

// Heartbeat refreshes liveness and the four gauges shown in the system prompt.
type Heartbeat struct {
	Type          string  `json:"type"`
	DaemonID      string  `json:"daemon_id,omitempty"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskPercent   float64 `json:"disk_percent"`
	ActiveTasks   int     `json:"active_tasks"`
}

// Alert is an unsolicited daemon warning (resource thresholds and the like).
type Alert struct {
	Type      string         `json:"type"`
	AlertType string         `json:"alert_type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Event is a daemon-originated bus event. Source defaults to
// "daemon:<name>" and EventType to "alert" on the Prime side when omitted.
type Event struct {
	Type      string         `json:"type"`
	Source    string         `json:"source,omitempty"`
	EventType string         `json:"event_type,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Command is a Prime-to-daemon instruction. Correlation is by ID only;
// daemons may answer out of order.
type Command struct {
	Type   string         `json:"type"`
	ID     string         `json:"id"`
	Params map[string]any `json:"params,omitempty"`
}

// NewResult builds a result frame for commandID. Handler output fields sit
// beside the envelope fields, matching what the Prime-side parser strips.
func NewResult(commandID string, fields map[string]any) map[string]any {
	msg := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		msg[k] = v
	}
	msg["type"] = TypeResult
	msg["command_id"] = commandID
	return msg
}

// ParseResult splits a result frame into its command ID and payload.
// The envelope fields (type, command_id) are removed from the payload.
func ParseResult(raw json.RawMessage) (commandID string, payload map[string]any, err error) {
	var msg map[string]any
	if err := json.Unmarshal(raw, &msg); err != nil {
		return "", nil, fmt.Errorf("unmarshal result: %w", err)
	}
	id, _ := msg["command_id"].(string)
	if id == "" {
		return "", nil, fmt.Errorf("result frame has no command_id")
	}
	delete(msg, "type")
	delete(msg, "command_id")
	return id, msg, nil
}
