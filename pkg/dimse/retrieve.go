package dimse

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/OtchereDev/ris-common-sdk/pkg/io-dicom/media"
	"github.com/OtchereDev/ris-common-sdk/pkg/io-dicom/services"
)

// Retrieve pulls every object matching req.Query and returns the peer's
// final status. C-MOVE goes through the io-dicom SCU with this gateway as
// destination; C-GET runs getscu, which stores the objects into OutputDir.
func (c *Client) Retrieve(ctx context.Context, peer Node, req RetrieveRequest) (Status, error) {
	start := time.Now()

	var status Status
	var err error
	switch req.Mode {
	case ModeCMove:
		status, err = c.move(ctx, peer, req.Query)
	case ModeCGet, "":
		if req.OutputDir == "" {
			return StatusUnableToProcess, errors.New("C-GET requires an output directory")
		}
		status, err = c.get(ctx, peer, req)
	default:
		return StatusUnableToProcess, fmt.Errorf("unknown retrieve mode %q", req.Mode)
	}

	if err != nil {
		c.log.Error().
			Err(err).
			Str("peer", peer.String()).
			Str("mode", string(req.Mode)).
			Dur("duration", time.Since(start)).
			Msg("retrieve failed")
		return StatusUnableToProcess, err
	}

	c.log.Info().
		Str("peer", peer.String()).
		Str("mode", string(req.Mode)).
		Stringer("status", status).
		Dur("duration", time.Since(start)).
		Msg("retrieve completed")
	return status, nil
}

func (c *Client) move(ctx context.Context, peer Node, query Query) (Status, error) {
	identifier, err := encodeQuery(query)
	if err != nil {
		return StatusIdentifierMismatch, err
	}

	var status uint16
	var responses int
	err = runBlocking(ctx, func() error {
		scu := services.NewSCU(c.destination(peer))
		scu.SetOnCMoveResult(func(media.DcmObj) { responses++ })
		var err error
		status, err = scu.MoveSCU(c.cfg.Local.AETitle, identifier, int(c.cfg.RetrieveTimeout/time.Second))
		return err
	})
	if err != nil {
		return StatusUnableToProcess, fmt.Errorf("C-MOVE failed: %w", err)
	}

	c.log.Debug().
		Str("peer", peer.String()).
		Int("responses", responses).
		Msg("C-MOVE responses received")
	return Status(status), nil
}

func (c *Client) get(ctx context.Context, peer Node, req RetrieveRequest) (Status, error) {
	timeout := int(c.cfg.RetrieveTimeout / time.Second)
	args := []string{
		"-S", "-d",
		"-od", req.OutputDir,
		"-aet", c.cfg.Local.AETitle,
		"-aec", peer.AETitle,
		"-to", strconv.Itoa(TimeoutAssoc),
		"-ta", strconv.Itoa(TimeoutAssoc),
		"-td", strconv.Itoa(timeout),
	}
	args = append(args, queryArgs(req.Query)...)
	args = append(args, peer.Host, strconv.Itoa(peer.Port))

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RetrieveTimeout)
	defer cancel()

	out := &getOutput{}
	cmd := exec.CommandContext(ctx, c.tool("getscu"), args...)
	cmd.Stdout = out
	cmd.Stderr = out

	c.log.Debug().Strs("args", args).Msg("running getscu")
	if err := cmd.Run(); err != nil {
		return StatusUnableToProcess, fmt.Errorf("getscu failed: %w: %s", err, out.tail())
	}

	status, ok := out.status()
	if !ok {
		c.log.Warn().
			Str("peer", peer.String()).
			Msg("getscu reported no final C-GET status")
		return StatusWarning, nil
	}
	return status, nil
}

// queryArgs renders a query as -k gggg,eeee=value arguments
func queryArgs(query Query) []string {
	args := make([]string, 0, len(query)*2)
	for _, e := range query {
		if len(e.Key) != 8 {
			continue
		}
		args = append(args, "-k", fmt.Sprintf("%s,%s=%s", e.Key[:4], e.Key[4:], e.Value))
	}
	return args
}

const outputTail = 512

// getOutput follows getscu debug output line by line. It keeps the status of
// the last C-GET response dump and the tail of the output for errors.
type getOutput struct {
	partial []byte
	last    []byte

	inGetRSP bool
	final    Status
	found    bool
}

func (o *getOutput) Write(p []byte) (int, error) {
	o.last = append(o.last, p...)
	if len(o.last) > outputTail {
		o.last = o.last[len(o.last)-outputTail:]
	}

	o.partial = append(o.partial, p...)
	for {
		i := bytes.IndexByte(o.partial, '\n')
		if i < 0 {
			break
		}
		o.line(string(o.partial[:i]))
		o.partial = o.partial[i+1:]
	}
	return len(p), nil
}

func (o *getOutput) line(l string) {
	l = strings.TrimSpace(l)
	// log level prefix such as "D: "
	if len(l) > 2 && l[1] == ':' && l[0] >= 'A' && l[0] <= 'Z' {
		l = strings.TrimSpace(l[2:])
	}
	key, value, ok := strings.Cut(l, ":")
	if !ok {
		return
	}
	value = strings.TrimSpace(value)

	switch strings.TrimSpace(key) {
	case "Message Type":
		o.inGetRSP = value == "C-GET RSP"
	case "DIMSE Status":
		if !o.inGetRSP {
			return
		}
		code, _, _ := strings.Cut(value, ":")
		n, err := strconv.ParseUint(strings.TrimPrefix(strings.TrimSpace(code), "0x"), 16, 16)
		if err != nil {
			return
		}
		o.final = Status(n)
		o.found = true
	}
}

func (o *getOutput) status() (Status, bool) {
	if len(o.partial) > 0 {
		o.line(string(o.partial))
		o.partial = nil
	}
	return o.final, o.found
}

func (o *getOutput) tail() string {
	return strings.TrimSpace(string(o.last))
}
