package dimse

import (
	"os/exec"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// DIMSE timeout constants (in seconds)
const (
	TimeoutCEcho  = 10  // 10 seconds for C-ECHO
	TimeoutCFind  = 120 // 120 seconds for C-FIND (can return many results)
	TimeoutCMove  = 300 // 300 seconds for C-MOVE / C-GET
	TimeoutAssoc  = 30  // association negotiation
	TimeoutCStore = 60  // incoming C-STORE on the receiver
)

// ClientConfig configures the production engine
type ClientConfig struct {
	// Local is the identity this gateway presents as calling AE and move
	// destination.
	Local Node
	// ToolsDir holds the DCMTK getscu binary; empty means look it up on PATH.
	ToolsDir string
	// RetrieveTimeout bounds a single C-GET / C-MOVE. Zero uses TimeoutCMove.
	RetrieveTimeout time.Duration
}

// Client is the production Engine. Echo, C-FIND, C-MOVE and the store SCP
// run on io-dicom; C-GET runs DCMTK getscu, which acts as the store SCP on
// its own association.
type Client struct {
	cfg ClientConfig
	log zerolog.Logger
}

// NewClient creates the production engine
func NewClient(cfg ClientConfig, logger zerolog.Logger) *Client {
	if cfg.RetrieveTimeout == 0 {
		cfg.RetrieveTimeout = TimeoutCMove * time.Second
	}
	return &Client{
		cfg: cfg,
		log: logger.With().Str("component", "dimse").Str("local_aet", cfg.Local.AETitle).Logger(),
	}
}

// Local returns the calling AE identity
func (c *Client) Local() Node {
	return c.cfg.Local
}

func (c *Client) tool(name string) string {
	if c.cfg.ToolsDir == "" {
		return name
	}
	return filepath.Join(c.cfg.ToolsDir, name)
}

// CheckTools reports the first DCMTK binary that cannot be found
func (c *Client) CheckTools(names ...string) error {
	for _, name := range names {
		if _, err := exec.LookPath(c.tool(name)); err != nil {
			return err
		}
	}
	return nil
}
