// SPDX-License-Identifier: MIT
//
// Copyright © 2018 Kent Gibson <warthog618@gmail.com>.

// waitsms waits for SMSs to be received by the modem, and dumps them to
// stdout.
//
// This provides an example of using indications, as well as a test that the
// library works with the modem.
//
// The modem device provided must support nofications, or no SMSs will be seen.
// (the notification port is typically USB2, hence the default)
package main

import (
	"context"
	"flag"
	"io"
	"log"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/warthog618/sms"
	"github.com/warthog618/sms/encoding/pdumode"
	"github.com/warthog618/sms/encoding/tpdu"

	"example.com/atmodem/gsm"
	"example.com/atmodem/serial"
	"example.com/atmodem/trace"
)

func main() {
	dev := flag.String("d", "/dev/ttyUSB2", "path to modem device")
	baud := flag.Int("b", 115200, "baud rate")
	period := flag.Duration("p", 10*time.Minute, "period to wait")
	timeout := flag.Duration("t", 400*time.Millisecond, "command timeout period")
	verbose := flag.Bool("v", false, "log modem interactions")
	hex := flag.Bool("x", false, "hex dump modem responses")
	flag.Parse()
	m, err := serial.New(serial.WithPort(*dev), serial.WithBaud(*baud))
	if err != nil {
		log.Println(err)
		return
	}
	defer m.Close()
	var mio io.ReadWriter = m
	if *hex {
		mio = trace.New(m, trace.WithReadFormat("r: %v"))
	} else if *verbose {
		mio = trace.New(m)
	}
	g, err := gsm.New(mio)
	if err != nil {
		log.Println(err)
		return
	}
	defer g.Detach()
	g.SetPDUMode()
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	err = g.Init(ctx)
	cancel()
	if err != nil {
		log.Println(err)
		return
	}

	ctx, cancel = context.WithTimeout(context.Background(), *period)
	defer cancel()

	// pollSignalQuality and waitForSMSs share the channel concurrently;
	// an errgroup ties their lifetimes together so that either one
	// failing, or the shared context expiring, brings both down cleanly.
	g2, gctx := errgroup.WithContext(ctx)
	g2.Go(func() error { return pollSignalQuality(gctx, g, *timeout) })
	g2.Go(func() error { return waitForSMSs(gctx, g, *timeout) })
	if err := g2.Wait(); err != nil && err != context.Canceled && err != context.DeadlineExceeded {
		log.Println(err)
	}
}

// pollSignalQuality polls the modem to read signal quality every minute.
//
// This runs concurrently with waitForSMSs, coordinated by the errgroup in
// main, to demonstrate separate goroutines interacting with the modem.
func pollSignalQuality(ctx context.Context, g *gsm.GSM, timeout time.Duration) error {
	for {
		select {
		case <-time.After(time.Minute):
			tctx, tcancel := context.WithTimeout(ctx, timeout)
			i, err := g.Command(tctx, "+CSQ")
			tcancel()
			if err != nil {
				log.Println(err)
			} else {
				log.Printf("Signal quality: %v\n", i)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// waitForSMSs adds an indication to the modem and prints any received SMSs.
//
// It runs until ctx is done, reassembling multi-part SMSs into a complete
// message prior to display.
func waitForSMSs(ctx context.Context, g *gsm.GSM, timeout time.Duration) error {
	cmt, err := g.AddIndication("+CMT:", 1)
	if err != nil {
		return err
	}
	defer g.CancelIndication("+CMT:")

	cctx, cancel := context.WithTimeout(ctx, timeout)
	// tell the modem to forward SMSs to us.
	_, err = g.Command(cctx, "+CNMI=1,2,2,1,0")
	cancel()
	if err != nil {
		return err
	}

	reassemblyTimeout := func(tpdus []*tpdu.TPDU) {
		log.Printf("reassembly timeout: %v", tpdus)
	}
	c := sms.NewCollector(sms.WithReassemblyTimeout(time.Hour, reassemblyTimeout))
	defer c.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case lines, ok := <-cmt:
			if !ok {
				return nil
			}
			handleCMT(ctx, g, timeout, c, lines)
		}
	}
}

func handleCMT(ctx context.Context, g *gsm.GSM, timeout time.Duration, c *sms.Collector, lines []string) {
	if len(lines) < 2 {
		log.Println("received incomplete notification")
		return
	}
	actx, acancel := context.WithTimeout(ctx, timeout)
	g.Command(actx, "+CNMA")
	acancel()

	lstr := strings.Split(lines[0], ",")
	l, err := strconv.Atoi(lstr[len(lstr)-1])
	if err != nil {
		log.Printf("err: %v\n", err)
		return
	}
	pdu, err := pdumode.UnmarshalHexString(lines[1])
	if err != nil {
		log.Printf("err: %v\n", err)
		return
	}
	if l != len(pdu.TPDU) {
		log.Printf("length mismatch - expected %d, got %d", l, len(pdu.TPDU))
		return
	}
	tp := tpdu.TPDU{}
	if err = tp.UnmarshalBinary(pdu.TPDU); err != nil {
		log.Printf("err: %v\n", err)
		return
	}
	tpdus, err := c.Collect(tp)
	if err != nil {
		log.Printf("err: %v\n", err)
		return
	}
	m, err := sms.Decode(tpdus)
	if err != nil {
		log.Printf("err: %v\n", err)
	}
	if m != nil {
		log.Printf("%s: %s\n", tpdus[0].OA.Number(), m)
	}
}
