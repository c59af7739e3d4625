package options

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"

	"hearth.io/hearth/internal/hubd"
	"hearth.io/hearth/pkg/app"
	"hearth.io/hearth/pkg/options"
)

// HubOptions are the command-line options of hearth-hubd.
type HubOptions struct {
	Cloud *options.CloudOptions `json:"cloud" mapstructure:"cloud"`
	Http  *options.HttpOptions  `json:"http" mapstructure:"http"`

	// StorageDir holds the state file and installed certificates.
	StorageDir string `json:"storage-dir" mapstructure:"storage-dir"`
}

var _ app.Options = (*HubOptions)(nil)

// NewHubOptions creates a HubOptions object with default parameters.
func NewHubOptions() *HubOptions {
	return &HubOptions{
		Cloud: options.NewCloudOptions(),
		Http:  options.NewHttpOptions(),
	}
}

// AddFlags registers the options as command-line flags.
func (o *HubOptions) AddFlags(fs *pflag.FlagSet) {
	o.Cloud.AddFlags(fs)
	o.Http.AddFlags(fs)
	fs.StringVar(&o.StorageDir, "storage-dir", o.StorageDir, "Directory for hub state and installed certificates.")
}

// Complete fills in defaults that depend on the environment.
func (o *HubOptions) Complete() error {
	if o.StorageDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		o.StorageDir = filepath.Join(home, ".hearth")
	}
	return nil
}

// Validate checks the resolved options.
func (o *HubOptions) Validate() error {
	errs := o.Cloud.Validate()
	errs = append(errs, o.Http.Validate()...)
	return errors.Join(errs...)
}

// Config builds the daemon configuration from the options.
func (o *HubOptions) Config() (*hubd.Config, error) {
	return &hubd.Config{
		HubID:             o.Cloud.HubID,
		HubName:           o.Cloud.HubName,
		CloudEndpoint:     o.Cloud.Endpoint,
		CACertificate:     o.Cloud.CACertificate,
		ClientCertificate: o.Cloud.ClientCertificate,
		ClientKey:         o.Cloud.ClientKey,
		CloudEnabled:      o.Cloud.Enabled,
		StorageDir:        o.StorageDir,
		ListenAddress:     o.Http.Addr,
	}, nil
}
