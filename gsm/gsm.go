// SPDX-License-Identifier: MIT
//
// Copyright © 2018 Kent Gibson <warthog618@gmail.com>.

// Package gsm provides a driver for GSM modems, layered over the at
// package's channel.
package gsm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"example.com/atmodem/at"
	"example.com/atmodem/info"
	"github.com/warthog618/sms/encoding/pdumode"
)

// GSM decorates an AT channel with GSM-specific functionality: capability
// detection and SMS submission in either text or PDU mode.
type GSM struct {
	*at.Channel
	sca     pdumode.SMSCAddress
	pduMode bool
}

// New creates a GSM modem over rw, forwarding opts to the underlying
// channel.
func New(rw io.ReadWriter, opts ...at.Option) (*GSM, error) {
	c, err := at.New(rw, opts...)
	if err != nil {
		return nil, err
	}
	return &GSM{Channel: c}, nil
}

// SetSCA sets the SCA used when transmitting SMSs, overriding the default
// set in the SIM.
func (g *GSM) SetSCA(sca pdumode.SMSCAddress) {
	g.sca = sca
}

// SetPDUMode sets the GSM to use PDU mode when transmitting SMSs. It must
// be called before Init.
func (g *GSM) SetPDUMode() {
	g.pduMode = true
}

// Command issues cmd and returns its intermediate response lines,
// regardless of any prefix they carry — a convenience for exploratory or
// diagnostic commands whose response shape isn't known ahead of time.
func (g *GSM) Command(ctx context.Context, cmd string) ([]string, error) {
	rsp, err := g.Channel.SendMultiline(ctx, cmd, "")
	if err != nil {
		return nil, err
	}
	if !rsp.Success {
		return rsp.Info, errors.New(rsp.Final)
	}
	return rsp.Info, nil
}

// Init initialises the GSM modem: it confirms GSM capability via +GCAP,
// then selects text or PDU mode and textual CME errors.
func (g *GSM) Init(ctx context.Context) error {
	rsp, err := g.Channel.SendMultiline(ctx, "+GCAP", "+GCAP")
	if err != nil {
		return err
	}
	if !rsp.Success {
		return ErrMalformedResponse
	}
	capabilities := make(map[string]bool)
	for _, l := range rsp.Info {
		if info.HasPrefix(l, "+GCAP") {
			for _, c := range strings.Split(info.TrimPrefix(l, "+GCAP"), ",") {
				capabilities[c] = true
			}
		}
	}
	if !capabilities["+CGSM"] {
		return ErrNotGSMCapable
	}
	mode := "+CMGF=1" // text mode
	if g.pduMode {
		mode = "+CMGF=0" // pdu mode
	}
	for _, cmd := range []string{mode, "+CMEE=2"} {
		rsp, err := g.Channel.Send(ctx, cmd)
		if err != nil {
			return err
		}
		if !rsp.Success {
			return ErrMalformedResponse
		}
	}
	return nil
}

// SendSMS sends a text-mode SMS to number. The message reference is
// returned on success.
func (g *GSM) SendSMS(ctx context.Context, number, message string) (string, error) {
	if g.pduMode {
		return "", ErrWrongMode
	}
	rsp, err := g.Channel.SendSMS(ctx, fmt.Sprintf("+CMGS=%q", number), message, "+CMGS")
	if err != nil {
		return "", err
	}
	if !rsp.Success {
		return "", ErrMalformedResponse
	}
	for _, l := range rsp.Info {
		if info.HasPrefix(l, "+CMGS") {
			return info.TrimPrefix(l, "+CMGS"), nil
		}
	}
	return "", ErrMalformedResponse
}

// SendSMSPDU sends a binary TPDU as a PDU-mode SMS. The message reference
// is returned on success.
func (g *GSM) SendSMSPDU(ctx context.Context, tpdu []byte) (string, error) {
	if !g.pduMode {
		return "", ErrWrongMode
	}
	pdu := pdumode.PDU{SMSC: g.sca, TPDU: tpdu}
	s, err := pdu.MarshalHexString()
	if err != nil {
		return "", err
	}
	rsp, err := g.Channel.SendSMS(ctx, fmt.Sprintf("+CMGS=%d", len(tpdu)), s, "+CMGS")
	if err != nil {
		return "", err
	}
	if !rsp.Success {
		return "", ErrMalformedResponse
	}
	for _, l := range rsp.Info {
		if info.HasPrefix(l, "+CMGS") {
			return info.TrimPrefix(l, "+CMGS"), nil
		}
	}
	return "", ErrMalformedResponse
}

var (
	// ErrNotGSMCapable indicates that the modem does not support the GSM
	// command set, as determined from the GCAP response.
	ErrNotGSMCapable = errors.New("modem is not GSM capable")

	// ErrNotPINReady indicates the modem SIM card is not ready to perform
	// operations.
	ErrNotPINReady = errors.New("modem is not PIN Ready")

	// ErrMalformedResponse indicates the modem returned a badly formed
	// response.
	ErrMalformedResponse = errors.New("modem returned malformed response")

	// ErrWrongMode indicates the GSM modem is operating in the wrong mode
	// and so cannot support the command.
	ErrWrongMode = errors.New("modem is in the wrong mode")
)
