package openvpn

import (
	"net/netip"
	"strings"
)

type mgmtKind int

const (
	mgmtIgnore mgmtKind = iota
	mgmtHold
	mgmtNeedAuth
	mgmtAuthFailed
	mgmtConnected
	mgmtReconnecting
	mgmtFatal
)

type mgmtMessage struct {
	kind    mgmtKind
	detail  string
	localIP netip.Addr
	remote  netip.Addr
}

// parseManagementLine interprets one real-time notification of the
// OpenVPN management interface.
func parseManagementLine(line string) mgmtMessage {
	switch {
	case strings.HasPrefix(line, ">HOLD:"):
		return mgmtMessage{kind: mgmtHold}

	case strings.HasPrefix(line, ">PASSWORD:"):
		body := strings.TrimPrefix(line, ">PASSWORD:")
		if strings.HasPrefix(body, "Verification Failed") {
			return mgmtMessage{kind: mgmtAuthFailed, detail: authFailureDetail(body)}
		}
		if strings.HasPrefix(body, "Need 'Auth'") {
			return mgmtMessage{kind: mgmtNeedAuth}
		}

	case strings.HasPrefix(line, ">FATAL:"):
		return mgmtMessage{kind: mgmtFatal, detail: strings.TrimPrefix(line, ">FATAL:")}

	case strings.HasPrefix(line, ">STATE:"):
		// >STATE:unix_time,state,description,local_ip,remote_ip,...
		parts := strings.Split(strings.TrimPrefix(line, ">STATE:"), ",")
		if len(parts) < 2 {
			break
		}
		switch parts[1] {
		case "CONNECTED":
			msg := mgmtMessage{kind: mgmtConnected}
			if len(parts) >= 4 {
				msg.localIP, _ = netip.ParseAddr(parts[3])
			}
			if len(parts) >= 5 {
				msg.remote, _ = netip.ParseAddr(parts[4])
			}
			return msg
		case "RECONNECTING":
			msg := mgmtMessage{kind: mgmtReconnecting}
			if len(parts) >= 3 {
				msg.detail = parts[2]
			}
			return msg
		}
	}
	return mgmtMessage{kind: mgmtIgnore}
}

// authFailureDetail extracts the server message from
// "Verification Failed: 'Auth' ['CRV1:...' | message]".
func authFailureDetail(body string) string {
	_, rest, ok := strings.Cut(body, "'Auth'")
	if !ok {
		return ""
	}
	return strings.Trim(strings.TrimSpace(rest), "[]'")
}

// quoteMgmt quotes a value for a management interface command.
func quoteMgmt(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(s) + `"`
}
