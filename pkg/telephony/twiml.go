package telephony

import (
	"github.com/twilio/twilio-go/twiml"
)

// AnswerTwiML builds the TwiML returned when the callee answers: a short
// greeting, a beat of silence, then a bidirectional stream to streamURL.
func AnswerTwiML(streamURL string) (string, error) {
	say := &twiml.VoiceSay{
		Message: "Please wait while you get connected to our customer service representative.",
	}

	pause := &twiml.VoicePause{
		Length: "1",
	}

	stream := &twiml.VoiceStream{
		Url: streamURL,
	}
	connect := &twiml.VoiceConnect{
		InnerElements: []twiml.Element{stream},
	}

	return twiml.Voice([]twiml.Element{say, pause, connect})
}

// ErrorTwiML builds the TwiML spoken when a call cannot be serviced, so
// the caller hears an apology instead of dead air
func ErrorTwiML(message string) (string, error) {
	say := &twiml.VoiceSay{
		Message: message,
	}
	hangup := &twiml.VoiceHangup{}

	return twiml.Voice([]twiml.Element{say, hangup})
}
