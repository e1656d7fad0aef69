// Package topology is the domain layer on top of the store client: it owns
// the NodeRecord / MasterPointer / SlaveRecord schema, dynamic JSON carried
// through typed structs with a tolerant "extra" bag for forward
// compatibility, raw JSON (not base64) as the chosen encoding.
package topology

import "encoding/json"

// Role values for NodeRecord.Role.
const (
	RoleMaster = "master"
	RoleSlave  = "slave"
	RoleNone   = ""
)

// Status values for NodeRecord.Status.
const (
	StatusOnline  = "online"
	StatusFailed  = "failed"
	StatusUnknown = "unknown"
)

// NodeRecord is the JSON schema stored at nodes/<node_id>.
type NodeRecord struct {
	Host         string `json:"host"`
	Port         string `json:"port"`
	Role         string `json:"role"`
	Status       string `json:"status"`
	LastSeen     string `json:"last_seen"`
	GTIDPosition string `json:"gtid_position"`

	// Extra carries forward any fields this coordinator doesn't know about
	// yet, so a rolling upgrade never silently drops data a newer agent
	// wrote. Re-marshaled verbatim on every write.
	Extra map[string]json.RawMessage `json:"-"`
}

// nodeRecordAlias avoids infinite recursion in custom (Un)MarshalJSON. Port
// is deliberately absent here: an external agent may register it as either
// a JSON string or a JSON number, and the default decode path can only
// accept one, so it is decoded separately in UnmarshalJSON.
type nodeRecordAlias struct {
	Host         string `json:"host"`
	Role         string `json:"role"`
	Status       string `json:"status"`
	LastSeen     string `json:"last_seen"`
	GTIDPosition string `json:"gtid_position"`
}

// UnmarshalJSON decodes known fields into the struct and stashes anything
// else in Extra.
func (n *NodeRecord) UnmarshalJSON(data []byte) error {
	var alias nodeRecordAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	n.Host = alias.Host
	n.Role = alias.Role
	n.Status = alias.Status
	n.LastSeen = alias.LastSeen
	n.GTIDPosition = alias.GTIDPosition
	n.Port = ""

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if portRaw, ok := raw["port"]; ok {
		port, err := decodePort(portRaw)
		if err != nil {
			return err
		}
		n.Port = port
	}
	for _, known := range []string{"host", "port", "role", "status", "last_seen", "gtid_position"} {
		delete(raw, known)
	}
	if len(raw) > 0 {
		n.Extra = raw
	}
	return nil
}

// decodePort accepts a port carried as either a JSON string ("3306") or a
// JSON number (3306) and normalizes both to the canonical decimal string
// this package stores and compares against.
func decodePort(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var num json.Number
	if err := json.Unmarshal(raw, &num); err != nil {
		return "", err
	}
	return num.String(), nil
}

// MarshalJSON re-emits known fields plus whatever was carried in Extra.
func (n NodeRecord) MarshalJSON() ([]byte, error) {
	out := map[string]json.RawMessage{}
	for k, v := range n.Extra {
		out[k] = v
	}

	set := func(key string, value interface{}) error {
		b, err := json.Marshal(value)
		if err != nil {
			return err
		}
		out[key] = b
		return nil
	}
	if err := set("host", n.Host); err != nil {
		return nil, err
	}
	if err := set("port", n.Port); err != nil {
		return nil, err
	}
	if err := set("role", n.Role); err != nil {
		return nil, err
	}
	if err := set("status", n.Status); err != nil {
		return nil, err
	}
	if err := set("last_seen", n.LastSeen); err != nil {
		return nil, err
	}
	if err := set("gtid_position", n.GTIDPosition); err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

// SlaveRecord is the JSON schema stored at topology/slaves/<node_id>.
type SlaveRecord struct {
	MasterNodeID   string  `json:"master_node_id"`
	ReplicationLag float64 `json:"replication_lag"`
}
