// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package event

import (
	"encoding/json"
	"errors"
)

// Content stores the content of an event as both a raw map and a parsed
// struct. The raw form is kept so that validation can look at fields the
// parsed struct does not know about.
type Content struct {
	VeryRaw json.RawMessage
	Raw     map[string]any
	Parsed  any
}

var ErrContentAlreadyParsed = errors.New("content is already parsed")
var ErrUnknownEventType = errors.New("unknown event type")

func (content *Content) UnmarshalJSON(data []byte) error {
	content.VeryRaw = data
	return json.Unmarshal(data, &content.Raw)
}

func (content *Content) MarshalJSON() ([]byte, error) {
	if content.Parsed != nil {
		return json.Marshal(content.Parsed)
	} else if content.Raw != nil {
		return json.Marshal(content.Raw)
	}
	return []byte("{}"), nil
}

// newContentOfType returns a zero value of the parsed content struct for the
// given verification event type. The to-device and in-room variants share
// content shapes, so only the type string matters.
func newContentOfType(evtType Type) (any, error) {
	switch evtType.Type {
	case ToDeviceVerificationRequest.Type:
		return &VerificationRequestEventContent{}, nil
	case ToDeviceVerificationReady.Type:
		return &VerificationReadyEventContent{}, nil
	case ToDeviceVerificationStart.Type:
		return &VerificationStartEventContent{}, nil
	case ToDeviceVerificationAccept.Type:
		return &VerificationAcceptEventContent{}, nil
	case ToDeviceVerificationKey.Type:
		return &VerificationKeyEventContent{}, nil
	case ToDeviceVerificationMAC.Type:
		return &VerificationMACEventContent{}, nil
	case ToDeviceVerificationDone.Type:
		return &VerificationDoneEventContent{}, nil
	case ToDeviceVerificationCancel.Type:
		return &VerificationCancelEventContent{}, nil
	case EventMessage.Type:
		return &VerificationRequestEventContent{}, nil
	default:
		return nil, ErrUnknownEventType
	}
}

// ParseRaw converts the raw content of this event into a parsed struct based
// on the given event type.
func (content *Content) ParseRaw(evtType Type) error {
	if content.Parsed != nil {
		return ErrContentAlreadyParsed
	}
	parsed, err := newContentOfType(evtType)
	if err != nil {
		return err
	}
	data := content.VeryRaw
	if data == nil {
		data, err = json.Marshal(content.Raw)
		if err != nil {
			return err
		}
	}
	if err = json.Unmarshal(data, parsed); err != nil {
		return err
	}
	content.Parsed = parsed
	return nil
}

func (content *Content) AsVerificationRequest() *VerificationRequestEventContent {
	casted, _ := content.Parsed.(*VerificationRequestEventContent)
	return casted
}

func (content *Content) AsVerificationReady() *VerificationReadyEventContent {
	casted, _ := content.Parsed.(*VerificationReadyEventContent)
	return casted
}

func (content *Content) AsVerificationStart() *VerificationStartEventContent {
	casted, _ := content.Parsed.(*VerificationStartEventContent)
	return casted
}

func (content *Content) AsVerificationAccept() *VerificationAcceptEventContent {
	casted, _ := content.Parsed.(*VerificationAcceptEventContent)
	return casted
}

func (content *Content) AsVerificationKey() *VerificationKeyEventContent {
	casted, _ := content.Parsed.(*VerificationKeyEventContent)
	return casted
}

func (content *Content) AsVerificationMAC() *VerificationMACEventContent {
	casted, _ := content.Parsed.(*VerificationMACEventContent)
	return casted
}

func (content *Content) AsVerificationCancel() *VerificationCancelEventContent {
	casted, _ := content.Parsed.(*VerificationCancelEventContent)
	return casted
}

func (content *Content) AsVerificationDone() *VerificationDoneEventContent {
	casted, _ := content.Parsed.(*VerificationDoneEventContent)
	return casted
}
