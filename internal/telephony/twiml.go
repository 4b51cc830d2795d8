package telephony

import (
	"bytes"
	"encoding/xml"
	"errors"
)

// Minimal TwiML builder. No provider SDK; only the verbs this service emits.

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any    `xml:",any"`
}

type twimlSay struct {
	XMLName  xml.Name `xml:"Say"`
	Voice    string   `xml:"voice,attr,omitempty"`
	Language string   `xml:"language,attr,omitempty"`
	Text     string   `xml:",chardata"`
}

type twimlHangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

type twimlConnect struct {
	XMLName xml.Name    `xml:"Connect"`
	Stream  twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL        string           `xml:"url,attr"`
	Parameters []twimlParameter `xml:"Parameter"`
}

type twimlParameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

const (
	defaultVoice    = "Polly.Joanna"
	defaultLanguage = "en-US"
)

// RenderReject produces a spoken goodbye followed by a hangup.
func RenderReject(reason RejectReason, language string) (string, error) {
	if language == "" {
		language = defaultLanguage
	}
	return render(twimlResponse{Verbs: []any{
		twimlSay{Voice: defaultVoice, Language: language, Text: SpokenRejection(reason)},
		twimlHangup{},
	}})
}

// ConnectParams describe an accepted call's media stream.
type ConnectParams struct {
	StreamURL   string
	StreamToken string

	// Disclosure is spoken before the stream opens. Required where local
	// law mandates announcing an automated caller.
	Disclosure string
	Language   string
}

// RenderConnect produces the TwiML that bridges the call onto the media
// websocket. The stream token is the endpoint's only credential.
func RenderConnect(p ConnectParams) (string, error) {
	if p.StreamURL == "" {
		return "", errors.New("telephony: stream url required")
	}
	if p.StreamToken == "" {
		return "", errors.New("telephony: stream token required")
	}
	lang := p.Language
	if lang == "" {
		lang = defaultLanguage
	}
	var verbs []any
	if p.Disclosure != "" {
		verbs = append(verbs, twimlSay{Voice: defaultVoice, Language: lang, Text: p.Disclosure})
	}
	verbs = append(verbs, twimlConnect{Stream: twimlStream{
		URL:        p.StreamURL,
		Parameters: []twimlParameter{{Name: "token", Value: p.StreamToken}},
	}})
	return render(twimlResponse{Verbs: verbs})
}

func render(r twimlResponse) (string, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(r); err != nil {
		return "", err
	}
	if err := enc.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}
