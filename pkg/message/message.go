package message

import (
	"crypto/sha256"
	"encoding/xml"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcutil/base58"
)

type Kind string

const (
	KindText        Kind = "text"
	KindImage       Kind = "image"
	KindVoice       Kind = "voice"
	KindVideo       Kind = "video"
	KindShortVideo  Kind = "shortvideo"
	KindLocation    Kind = "location"
	KindLink        Kind = "link"
	KindEvent       Kind = "event"
	KindUnsupported Kind = "unsupported"
)

var ErrorMalformedMessage = errors.New("malformed message")

var kinds = map[string]Kind{
	"text":       KindText,
	"image":      KindImage,
	"voice":      KindVoice,
	"video":      KindVideo,
	"shortvideo": KindShortVideo,
	"location":   KindLocation,
	"link":       KindLink,
	"event":      KindEvent,
}

type Message struct {
	XMLName      xml.Name `xml:"xml"`
	ToUser       string   `xml:"ToUserName"`
	FromUser     string   `xml:"FromUserName"`
	CreateTime   int64    `xml:"CreateTime"`
	Type         string   `xml:"MsgType"`
	MsgID        string   `xml:"MsgId"`
	Content      string   `xml:"Content"`
	MediaID      string   `xml:"MediaId"`
	ThumbMediaID string   `xml:"ThumbMediaId"`
	PicURL       string   `xml:"PicUrl"`
	Format       string   `xml:"Format"`
	Recognition  string   `xml:"Recognition"`
	Title        string   `xml:"Title"`
	Description  string   `xml:"Description"`
	URL          string   `xml:"Url"`
	Event        string   `xml:"Event"`
	EventKey     string   `xml:"EventKey"`
	Ticket       string   `xml:"Ticket"`
	LocationX    float64  `xml:"Location_X"`
	LocationY    float64  `xml:"Location_Y"`
	Scale        int      `xml:"Scale"`
	Label        string   `xml:"Label"`
	Latitude     float64  `xml:"Latitude"`
	Longitude    float64  `xml:"Longitude"`
	Precision    float64  `xml:"Precision"`
}

// Parse accepts any well-formed platform message, known type or not.
// Unknown types dispatch as KindUnsupported rather than erroring.
func Parse(raw []byte) (*Message, error) {
	message := &Message{}
	if err := xml.Unmarshal(raw, message); err != nil {
		return nil, fmt.Errorf("unmarshalling message (%s): %w", err, ErrorMalformedMessage)
	}
	if message.FromUser == "" || message.Type == "" {
		return nil, fmt.Errorf("missing sender or type: %w", ErrorMalformedMessage)
	}
	message.Type = strings.ToLower(message.Type)
	return message, nil
}

func (m *Message) Kind() Kind {
	if kind, ok := kinds[m.Type]; ok {
		return kind
	}
	return KindUnsupported
}

// Fingerprint is stable across the platform's redeliveries of the same
// message: it hashes the sender, the message identity (MsgId when present,
// the create time otherwise, event name and create time for events) and
// the content-bearing payload.
func (m *Message) Fingerprint() string {
	identity := m.MsgID
	if identity == "" {
		identity = strconv.FormatInt(m.CreateTime, 10)
	}

	payload := m.Content
	switch m.Kind() {
	case KindEvent:
		identity = m.Event + "." + strconv.FormatInt(m.CreateTime, 10)
		payload = m.EventKey
	case KindImage, KindVoice, KindVideo, KindShortVideo:
		payload = m.MediaID
	case KindLink:
		payload = m.Title + m.URL
	}

	digest := sha256.Sum256([]byte(m.FromUser + "\n" + identity + "\n" + payload))
	return base58.Encode(digest[:]) + "." + m.FromUser
}

type textReply struct {
	XMLName      xml.Name `xml:"xml"`
	ToUserName   charData `xml:"ToUserName"`
	FromUserName charData `xml:"FromUserName"`
	CreateTime   int64    `xml:"CreateTime"`
	MsgType      charData `xml:"MsgType"`
	Content      charData `xml:"Content"`
}

type charData struct {
	Text string `xml:",cdata"`
}

func BuildTextReply(toUser, fromUser, content string) ([]byte, error) {
	reply := textReply{
		ToUserName:   charData{toUser},
		FromUserName: charData{fromUser},
		CreateTime:   time.Now().Unix(),
		MsgType:      charData{"text"},
		Content:      charData{content},
	}
	out, err := xml.Marshal(reply)
	if err != nil {
		return nil, fmt.Errorf("encoding reply: %w", err)
	}
	return out, nil
}
