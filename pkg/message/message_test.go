package message

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

const textMessageXML = `<xml>
<ToUserName><![CDATA[gh_abc123]]></ToUserName>
<FromUserName><![CDATA[oUser001]]></FromUserName>
<CreateTime>1700000000</CreateTime>
<MsgType><![CDATA[text]]></MsgType>
<Content><![CDATA[hello]]></Content>
<MsgId>6054768590064713728</MsgId>
</xml>`

const subscribeEventXML = `<xml>
<ToUserName><![CDATA[gh_abc123]]></ToUserName>
<FromUserName><![CDATA[oUser001]]></FromUserName>
<CreateTime>1700000000</CreateTime>
<MsgType><![CDATA[event]]></MsgType>
<Event><![CDATA[subscribe]]></Event>
</xml>`

func TestParse(t *testing.T) {
	assert := assert.New(t)

	t.Run("Text Message", func(t *testing.T) {
		message, err := Parse([]byte(textMessageXML))
		assert.Nil(err)
		assert.Equal("gh_abc123", message.ToUser)
		assert.Equal("oUser001", message.FromUser)
		assert.Equal(int64(1700000000), message.CreateTime)
		assert.Equal("hello", message.Content)
		assert.Equal("6054768590064713728", message.MsgID)
		assert.Equal(KindText, message.Kind())
	})

	t.Run("Type Is Normalised", func(t *testing.T) {
		message, err := Parse([]byte(`<xml><FromUserName>u</FromUserName><MsgType>TEXT</MsgType></xml>`))
		assert.Nil(err)
		assert.Equal("text", message.Type)
		assert.Equal(KindText, message.Kind())
	})

	t.Run("Voice With Recognition", func(t *testing.T) {
		message, err := Parse([]byte(`<xml>
<FromUserName><![CDATA[oUser001]]></FromUserName>
<MsgType><![CDATA[voice]]></MsgType>
<MediaId><![CDATA[media_1]]></MediaId>
<Format><![CDATA[amr]]></Format>
<Recognition><![CDATA[今天天气怎么样]]></Recognition>
</xml>`))
		assert.Nil(err)
		assert.Equal(KindVoice, message.Kind())
		assert.Equal("今天天气怎么样", message.Recognition)
	})

	t.Run("Link Message", func(t *testing.T) {
		message, err := Parse([]byte(`<xml>
<FromUserName><![CDATA[oUser001]]></FromUserName>
<MsgType><![CDATA[link]]></MsgType>
<Title><![CDATA[A Page]]></Title>
<Url><![CDATA[https://example.com/a]]></Url>
</xml>`))
		assert.Nil(err)
		assert.Equal(KindLink, message.Kind())
		assert.Equal("A Page", message.Title)
		assert.Equal("https://example.com/a", message.URL)
	})

	t.Run("Event Message", func(t *testing.T) {
		message, err := Parse([]byte(subscribeEventXML))
		assert.Nil(err)
		assert.Equal(KindEvent, message.Kind())
		assert.Equal("subscribe", message.Event)
	})

	t.Run("Unknown Type Is Unsupported Not An Error", func(t *testing.T) {
		message, err := Parse([]byte(`<xml><FromUserName>u</FromUserName><MsgType>hologram</MsgType></xml>`))
		assert.Nil(err)
		assert.Equal(KindUnsupported, message.Kind())
		assert.Equal("hologram", message.Type)
	})

	t.Run("Bad XML Is Malformed", func(t *testing.T) {
		_, err := Parse([]byte("this is not xml"))
		assert.ErrorIs(err, ErrorMalformedMessage)
	})

	t.Run("Missing Sender Is Malformed", func(t *testing.T) {
		_, err := Parse([]byte(`<xml><MsgType>text</MsgType></xml>`))
		assert.ErrorIs(err, ErrorMalformedMessage)
	})
}

func TestFingerprint(t *testing.T) {
	assert := assert.New(t)

	parse := func(raw string) *Message {
		message, err := Parse([]byte(raw))
		assert.Nil(err)
		return message
	}

	t.Run("Stable Across Redeliveries", func(t *testing.T) {
		first := parse(textMessageXML)
		second := parse(textMessageXML)
		assert.Equal(first.Fingerprint(), second.Fingerprint())
	})

	t.Run("Greppable By Sender", func(t *testing.T) {
		assert.True(strings.HasSuffix(parse(textMessageXML).Fingerprint(), ".oUser001"))
	})

	t.Run("Distinct Content Distinct Fingerprint", func(t *testing.T) {
		first := parse(textMessageXML)
		second := parse(strings.Replace(textMessageXML, "hello", "goodbye", 1))
		second.MsgID = ""
		first.MsgID = ""
		assert.NotEqual(first.Fingerprint(), second.Fingerprint())
	})

	t.Run("Distinct MsgId Distinct Fingerprint", func(t *testing.T) {
		first := parse(textMessageXML)
		second := parse(strings.Replace(textMessageXML, "6054768590064713728", "6054768590064713729", 1))
		assert.NotEqual(first.Fingerprint(), second.Fingerprint())
	})

	t.Run("Distinct Sender Distinct Fingerprint", func(t *testing.T) {
		first := parse(textMessageXML)
		second := parse(strings.Replace(textMessageXML, "oUser001", "oUser002", 1))
		assert.NotEqual(first.Fingerprint(), second.Fingerprint())
	})

	t.Run("Events Keyed By Name And Time", func(t *testing.T) {
		first := parse(subscribeEventXML)
		second := parse(subscribeEventXML)
		assert.Equal(first.Fingerprint(), second.Fingerprint())

		unsubscribe := parse(strings.Replace(subscribeEventXML, "subscribe", "unsubscribe", 1))
		assert.NotEqual(first.Fingerprint(), unsubscribe.Fingerprint())
	})
}

func TestBuildTextReply(t *testing.T) {
	assert := assert.New(t)

	t.Run("Wraps Fields In CDATA", func(t *testing.T) {
		reply, err := BuildTextReply("oUser001", "gh_abc123", "你好")
		assert.Nil(err)
		assert.Contains(string(reply), "<ToUserName><![CDATA[oUser001]]></ToUserName>")
		assert.Contains(string(reply), "<FromUserName><![CDATA[gh_abc123]]></FromUserName>")
		assert.Contains(string(reply), "<MsgType><![CDATA[text]]></MsgType>")
		assert.Contains(string(reply), "<![CDATA[你好]]>")
	})

	t.Run("Reply Parses As A Message", func(t *testing.T) {
		reply, err := BuildTextReply("oUser001", "gh_abc123", "hi")
		assert.Nil(err)
		message, err := Parse(reply)
		assert.Nil(err)
		assert.Equal(KindText, message.Kind())
		assert.Equal("hi", message.Content)
		assert.NotZero(message.CreateTime)
	})
}
