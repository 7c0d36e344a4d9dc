// Package platform talks to the no-code automation platform: it reads webhook
// payloads through one alias table and dereferences foreign identities over
// the platform's HTTP API.
package platform

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Field is one logical payload field and every key it has been sent under.
// Aliases are tried in order; the first non-empty value wins.
type Field struct {
	Name    string
	Aliases []string
}

// Accepted aliases per logical field. Platform workflows were built over
// several versions and still emit every one of these spellings.
var (
	FieldPlatformMessageID = Field{"platform_message_id", []string{"platform_message_id", "message_id", "messageId", "MessageID", "msg_id", "_id"}}
	FieldTelegramMessageID = Field{"telegram_message_id", []string{"telegram_message_id", "telegramMessageId", "tg_message_id", "tg_msg_id"}}
	FieldTelegramChatID    = Field{"telegram_chat_id", []string{"telegram_chat_id", "telegramChatId", "tg_chat_id"}}
	FieldMainID            = Field{"main_id", []string{"main_id", "mainId", "MainID", "order_main_id", "correlation_id"}}
	FieldTelegramID        = Field{"telegram_id", []string{"telegram_id", "telegramId", "TelegramID", "tg_id", "tg_user_id", "chat_id"}}
	FieldPlatformRef       = Field{"platform_ref", []string{"platform_ref", "platformForeignRef", "user_ref", "userRef", "user", "customer", "contact_ref"}}
	FieldPhone             = Field{"phone", []string{"phone", "Phone", "phone_number", "phoneNumber", "tel"}}
	FieldEmail             = Field{"email", []string{"email", "Email", "e_mail", "mail"}}
	FieldFirstName         = Field{"first_name", []string{"first_name", "firstName", "FirstName", "name_first"}}
	FieldLastName          = Field{"last_name", []string{"last_name", "lastName", "LastName", "name_last"}}
	FieldAlias             = Field{"alias", []string{"alias", "display_name", "displayName", "full_name", "name"}}
	FieldUsername          = Field{"username", []string{"username", "userName", "tg_username", "telegram_username"}}
	FieldContent           = Field{"content", []string{"content", "text", "message", "body", "Text"}}
	FieldRole              = Field{"role", []string{"role", "sender_role", "author_role", "from"}}
	FieldKind              = Field{"kind", []string{"kind", "type", "message_type", "messageType"}}
	FieldAttachmentURL     = Field{"attachment_url", []string{"attachment_url", "attachmentUrl", "file_url", "fileUrl", "media_url", "url"}}
	FieldAttachmentRef     = Field{"attachment_ref", []string{"attachment_ref", "file_id", "fileId", "telegram_file_id"}}
	FieldIsReaction        = Field{"is_reaction", []string{"is_reaction", "isReaction", "reaction_event"}}
	FieldStatus            = Field{"status", []string{"status", "status_id", "statusId", "StatusID", "os_status"}}
	FieldSentAt            = Field{"sent_at", []string{"sent_at", "sentAt", "timestamp", "date", "created_at", "Created Date"}}
	FieldSource            = Field{"source", []string{"source", "channel", "origin"}}
	FieldItems             = Field{"items", []string{"items", "orders", "updates", "data"}}
)

// Fields is a decoded JSON object.
type Fields map[string]any

// Decode reads a JSON object, keeping numbers as json.Number so that large
// ids survive unchanged.
func Decode(r io.Reader) (Fields, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var f Fields
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	if f == nil {
		return nil, fmt.Errorf("payload is not a JSON object")
	}
	return f, nil
}

// DecodeBytes is Decode over a byte slice.
func DecodeBytes(b []byte) (Fields, error) {
	return Decode(bytes.NewReader(b))
}

// Lookup returns the first present, non-null, non-empty alias value.
func (f Fields) Lookup(field Field) (any, bool) {
	for _, key := range field.Aliases {
		v, ok := f[key]
		if !ok || v == nil {
			continue
		}
		if s, isString := v.(string); isString && strings.TrimSpace(s) == "" {
			continue
		}
		return v, true
	}
	return nil, false
}

// String returns the field rendered as a trimmed string.
func (f Fields) String(field Field) string {
	v, ok := f.Lookup(field)
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case map[string]any:
		// Linked objects are sent either as an id or as {"_id": ...}.
		return Fields(t).String(Field{Name: field.Name, Aliases: []string{"_id", "id"}})
	default:
		return ""
	}
}

// Int64 returns the field as an integer; zero when absent or not integral.
func (f Fields) Int64(field Field) int64 {
	v, ok := f.Lookup(field)
	if !ok {
		return 0
	}
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		if fl, err := t.Float64(); err == nil && fl == float64(int64(fl)) {
			return int64(fl)
		}
	case float64:
		if t == float64(int64(t)) {
			return int64(t)
		}
	case string:
		if n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64); err == nil {
			return n
		}
	}
	return 0
}

// Bool accepts JSON booleans as well as "true"/"yes"/"1".
func (f Fields) Bool(field Field) bool {
	v, ok := f.Lookup(field)
	if !ok {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "yes", "1":
			return true
		}
	case json.Number:
		return t.String() != "0"
	}
	return false
}

// Time parses RFC 3339 strings or unix timestamps in seconds or milliseconds.
func (f Fields) Time(field Field) time.Time {
	v, ok := f.Lookup(field)
	if !ok {
		return time.Time{}
	}
	switch t := v.(type) {
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(t)); err == nil {
			return ts.UTC()
		}
		if n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64); err == nil {
			return unixAny(n)
		}
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return unixAny(n)
		}
	}
	return time.Time{}
}

func unixAny(n int64) time.Time {
	if n > 1e12 {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}

// Object returns a nested object stored under the field.
func (f Fields) Object(field Field) Fields {
	v, ok := f.Lookup(field)
	if !ok {
		return nil
	}
	if m, isMap := v.(map[string]any); isMap {
		return Fields(m)
	}
	return nil
}

// List returns the nested objects of an array field, skipping non-objects.
func (f Fields) List(field Field) []Fields {
	v, ok := f.Lookup(field)
	if !ok {
		return nil
	}
	items, isList := v.([]any)
	if !isList {
		return nil
	}
	out := make([]Fields, 0, len(items))
	for _, item := range items {
		if m, isMap := item.(map[string]any); isMap {
			out = append(out, Fields(m))
		}
	}
	return out
}

// Unwrap returns the object under "response" (the platform's API envelope)
// or "data" when present, otherwise f itself.
func (f Fields) Unwrap() Fields {
	for _, key := range []string{"response", "data"} {
		if m, ok := f[key].(map[string]any); ok {
			return Fields(m)
		}
	}
	return f
}
