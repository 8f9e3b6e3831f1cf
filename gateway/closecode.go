package gateway

// CloseCode is a voice gateway WebSocket close code.
type CloseCode int

const (
	CloseAuthFailed           CloseCode = 4004
	CloseSessionNoLongerValid CloseCode = 4006
	CloseSessionTimeout       CloseCode = 4009 // SESSION_TIMEOUT, raised by C3 itself on 3 unacked heartbeats
	CloseDisconnected         CloseCode = 4014
	CloseServerCrashed        CloseCode = 4015
	CloseUnknownMode          CloseCode = 4016
)

// Disposition classifies how the Supervisor should react to a close
// code.
type Disposition int

const (
	// DispositionFatal: no resume; Supervisor goes Disconnected, except
	// that 4006 with AutoReconnect enabled triggers a fresh full handshake.
	DispositionFatal Disposition = iota
	// DispositionResumable: attempt RESUME before falling back to a
	// full restart.
	DispositionResumable
	// DispositionUnknown: any other abnormal close — attempt resume
	// first, then restart, same handling as Resumable.
	DispositionUnknown
)

// Classify maps a close code to its disposition.
func Classify(code int) Disposition {
	switch CloseCode(code) {
	case CloseAuthFailed, CloseSessionNoLongerValid, CloseDisconnected, CloseUnknownMode:
		return DispositionFatal
	case CloseSessionTimeout, CloseServerCrashed:
		return DispositionResumable
	default:
		return DispositionUnknown
	}
}
