package tunnel

import "encoding/json"

// BlockReasonKind enumerates why the tunnel is held in the blocked state.
type BlockReasonKind string

const (
	ReasonAuthFailed             BlockReasonKind = "auth_failed"
	ReasonIPv6Unavailable        BlockReasonKind = "ipv6_unavailable"
	ReasonSetSecurityPolicyError BlockReasonKind = "set_security_policy_error"
	ReasonStartTunnelError       BlockReasonKind = "start_tunnel_error"
	ReasonNoMatchingRelay        BlockReasonKind = "no_matching_relay"
)

// BlockReason is a BlockReasonKind with an optional detail. Only
// ReasonAuthFailed uses the detail, carrying the server-supplied message.
type BlockReason struct {
	Kind   BlockReasonKind `json:"reason"`
	Detail string          `json:"details,omitempty"`
}

func AuthFailed(detail string) BlockReason {
	return BlockReason{Kind: ReasonAuthFailed, Detail: detail}
}

func Reason(kind BlockReasonKind) BlockReason { return BlockReason{Kind: kind} }

// Retryable reports whether a failure with this reason is retried with
// backoff. Authentication failures need user action.
func (r BlockReason) Retryable() bool {
	return r.Kind != ReasonAuthFailed
}

// Message is the text shown to the user for this reason.
func (r BlockReason) Message() string {
	switch r.Kind {
	case ReasonAuthFailed:
		detail := r.Detail
		if detail == "" {
			detail = "No reason provided"
		}
		return "Authentication with remote server failed: " + detail
	case ReasonIPv6Unavailable:
		return "Failed to configure IPv6 because it's disabled in the platform"
	case ReasonSetSecurityPolicyError:
		return "Failed to set security policy"
	case ReasonStartTunnelError:
		return "Failed to start connection to remote server"
	case ReasonNoMatchingRelay:
		return "No relay server matches the current settings"
	}
	return "Unknown error: " + string(r.Kind)
}

func (r BlockReason) String() string { return r.Message() }

// MarshalJSON adds the rendered message so clients need no lookup table.
func (r BlockReason) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Kind    BlockReasonKind `json:"reason"`
		Detail  string          `json:"details,omitempty"`
		Message string          `json:"message"`
	}{r.Kind, r.Detail, r.Message()})
}
