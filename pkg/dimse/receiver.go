package dimse

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/OtchereDev/ris-common-sdk/pkg/io-dicom/dictionary/tags"
	"github.com/OtchereDev/ris-common-sdk/pkg/io-dicom/dictionary/transfersyntax"
	"github.com/OtchereDev/ris-common-sdk/pkg/io-dicom/dimsec"
	"github.com/OtchereDev/ris-common-sdk/pkg/io-dicom/media"
	"github.com/OtchereDev/ris-common-sdk/pkg/io-dicom/network"
	"github.com/OtchereDev/ris-common-sdk/pkg/io-dicom/network/dicomcommand"
)

const maxReceiverBackoff = 30 * time.Second

// RunReceiver keeps a store SCP listening on the local node port, writing
// every incoming C-STORE into dir. It rebinds with backoff when the listener
// fails and returns when ctx is done.
func (c *Client) RunReceiver(ctx context.Context, dir string) error {
	backoff := time.Second
	for {
		start := time.Now()
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", c.cfg.Local.Port))
		if err == nil {
			c.log.Info().
				Int("port", c.cfg.Local.Port).
				Str("dir", dir).
				Msg("store SCP listening")
			err = c.ServeReceiver(ctx, ln, dir)
		}
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(start) > maxReceiverBackoff {
			backoff = time.Second
		}
		c.log.Error().
			Err(err).
			Dur("restart_in", backoff).
			Msg("store SCP stopped")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxReceiverBackoff {
			backoff = maxReceiverBackoff
		}
	}
}

// ServeReceiver accepts associations on ln until ctx is done or ln fails.
// It waits for open associations before returning.
func (c *Client) ServeReceiver(ctx context.Context, ln net.Listener, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	loadDictionary()

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			ln.Close()
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.serveAssociation(conn, dir)
		}()
	}
}

func (c *Client) serveAssociation(conn net.Conn, dir string) {
	defer conn.Close()
	log := c.log.With().Str("remote", conn.RemoteAddr().String()).Logger()

	pdu := network.NewPDUService()
	pdu.SetConn(bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn)))
	pdu.SetConnectionInfo(conn)
	pdu.SetOnAssociationRequest(func(rq network.AAssociationRQ) bool {
		called := strings.TrimSpace(rq.GetCalledAE())
		if called != c.cfg.Local.AETitle {
			log.Warn().
				Str("calling_aet", rq.GetCallingAE()).
				Str("called_aet", called).
				Msg("rejecting association for another AE title")
			return false
		}
		return true
	})

	stored := 0
	defer func() {
		log.Debug().Int("stored", stored).Msg("store association closed")
	}()

	for {
		if err := conn.SetDeadline(time.Now().Add(TimeoutCStore * time.Second)); err != nil {
			return
		}
		dco, err := pdu.NextPDU()
		if err != nil {
			return
		}
		if dco == nil {
			continue
		}

		switch dco.GetUShort(tags.CommandField) {
		case dicomcommand.CStoreRequest:
			ddo, err := dimsec.CStoreReadRQ(pdu, dco)
			if err != nil {
				log.Error().Err(err).Msg("failed to read C-STORE data set")
				return
			}
			status := StatusSuccess
			if err := writeObject(ddo, dir); err != nil {
				log.Error().Err(err).Msg("failed to store received object")
				status = storeFailure(err)
			} else {
				stored++
			}
			if err := dimsec.CStoreWriteRSP(pdu, dco, uint16(status)); err != nil {
				log.Error().Err(err).Msg("failed to send C-STORE response")
				return
			}
		case dicomcommand.CEchoRequest:
			if dimsec.CEchoReadRQ(dco) {
				if err := dimsec.CEchoWriteRSP(pdu, dco); err != nil {
					return
				}
			}
		default:
			log.Warn().
				Uint16("command", dco.GetUShort(tags.CommandField)).
				Msg("unsupported DIMSE command on store SCP")
			return
		}
	}
}

var errCannotUnderstand = errors.New("cannot understand data set")

func storeFailure(err error) Status {
	if errors.Is(err, errCannotUnderstand) {
		return StatusUnableToProcess
	}
	return StatusOutOfResources
}

// writeObject stores obj as <SOPInstanceUID>.dcm. The file is renamed into
// place once complete so ingest never sees a partial object.
func writeObject(obj media.DcmObj, dir string) error {
	ts := obj.GetTransferSyntax()
	if ts == nil || (ts.UID != transfersyntax.ImplicitVRLittleEndian.UID && ts.UID != transfersyntax.ExplicitVRLittleEndian.UID) {
		return fmt.Errorf("%w: unsupported transfer syntax", errCannotUnderstand)
	}
	sop := strings.TrimRight(obj.GetString(tags.SOPInstanceUID), " \x00")
	if sop == "" || filepath.Base(sop) != sop {
		return fmt.Errorf("%w: invalid SOP instance UID %q", errCannotUnderstand, sop)
	}

	tmp, err := os.CreateTemp(dir, ".store-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(part10(obj)); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, sop+".dcm"))
}
