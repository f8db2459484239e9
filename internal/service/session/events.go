package session

import "live-transcription-client/internal/service/stt"

// event is anything delivered to the controller inbox.
type event interface{}

// Caller commands.
type (
	cmdStart          struct{ languageCode string }
	cmdChangeLanguage struct{ languageCode string }
	cmdBeginRecording struct{}
	cmdStopRecording  struct{}
	cmdDisconnect     struct{}
	cmdClearResults   struct{}
	cmdShutdown       struct{}
)

// Transport and pipeline events, tagged with the attempt that produced them.
type (
	evConnectResult struct {
		attempt uint64
		err     error
	}
	evOpened struct {
		attempt uint64
		info    stt.SessionInfo
	}
	evClosed struct {
		attempt uint64
		code    int
		reason  string
	}
	evError struct {
		attempt uint64
		err     error
	}
	evPartial struct {
		attempt uint64
		text    string
	}
	evTurn struct {
		attempt    uint64
		text       string
		confidence float64
	}
	evSendFailed struct {
		attempt uint64
		err     error
	}
	evCloseDone struct {
		attempt uint64
	}
	evTimer struct {
		seq  uint64
		kind timerKind
	}
)

// callback forwards one attempt's transport events to the inbox.
type callback struct {
	c       *Controller
	attempt uint64
}

func (cb *callback) OnOpened(info stt.SessionInfo) {
	cb.c.post(evOpened{attempt: cb.attempt, info: info})
}

func (cb *callback) OnClosed(code int, reason string) {
	cb.c.post(evClosed{attempt: cb.attempt, code: code, reason: reason})
}

func (cb *callback) OnTurn(text string, confidence float64) {
	cb.c.post(evTurn{attempt: cb.attempt, text: text, confidence: confidence})
}

func (cb *callback) OnTurnPartial(text string) {
	cb.c.post(evPartial{attempt: cb.attempt, text: text})
}

func (cb *callback) OnError(err error) {
	cb.c.post(evError{attempt: cb.attempt, err: err})
}
