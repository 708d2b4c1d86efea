package jms

import "github.com/infigaming-com/go-mqclient/transport"

type TextMessage struct {
	message
	text string
}

func NewTextMessage(text string) *TextMessage {
	return &TextMessage{message: newMessage(transport.BodyText), text: text}
}

func (m *TextMessage) Text() (string, error) { return m.text, nil }

func (m *TextMessage) SetText(text string) error {
	if err := m.checkWritable(); err != nil {
		return err
	}
	m.text = text
	return nil
}

func (m *TextMessage) ClearBody() {
	m.text = ""
	m.bodyReadOnly = false
}

func (m *TextMessage) marshalBody() ([]byte, error) {
	if m.text == "" {
		return nil, nil
	}
	return []byte(m.text), nil
}
