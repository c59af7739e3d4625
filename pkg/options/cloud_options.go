package options

import (
	"fmt"

	"github.com/spf13/pflag"
)

var _ IOptions = (*CloudOptions)(nil)

// CloudOptions contains the cloud link configuration of a hub.
type CloudOptions struct {
	// HubID is the stable identity of this hub towards the cloud.
	HubID string `json:"hub-id" mapstructure:"hub-id"`

	// HubName is the user-facing display name.
	HubName string `json:"hub-name" mapstructure:"hub-name"`

	// Endpoint is the cloud broker host, optionally with a port.
	Endpoint string `json:"endpoint" mapstructure:"endpoint"`

	// Paths to the PEM encoded TLS client material. Empty values fall back
	// to the last installed certificate set.
	CACertificate     string `json:"ca-certificate" mapstructure:"ca-certificate"`
	ClientCertificate string `json:"client-certificate" mapstructure:"client-certificate"`
	ClientKey         string `json:"client-key" mapstructure:"client-key"`

	// Enabled starts the cloud link at boot.
	Enabled bool `json:"enabled" mapstructure:"enabled"`
}

// NewCloudOptions creates a CloudOptions object with default parameters.
func NewCloudOptions() *CloudOptions {
	return &CloudOptions{
		HubName: "Hearth",
	}
}

// Validate is used to parse and validate the parameters entered by the user at
// the command line when the program starts.
func (o *CloudOptions) Validate() []error {
	errors := []error{}

	if o.HubID == "" {
		errors = append(errors, fmt.Errorf("cloud.hub-id is required"))
	}

	return errors
}

// AddFlags adds flags related to the cloud link to the specified FlagSet.
func (o *CloudOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.HubID, "cloud.hub-id", o.HubID, "Stable identity of this hub towards the cloud.")
	fs.StringVar(&o.HubName, "cloud.hub-name", o.HubName, "User-facing display name of this hub.")
	fs.StringVar(&o.Endpoint, "cloud.endpoint", o.Endpoint, "Cloud broker host, optionally with a port.")
	fs.StringVar(&o.CACertificate, "cloud.ca-certificate", o.CACertificate, "Path to the PEM encoded relay CA certificate.")
	fs.StringVar(&o.ClientCertificate, "cloud.client-certificate", o.ClientCertificate, "Path to the PEM encoded client certificate.")
	fs.StringVar(&o.ClientKey, "cloud.client-key", o.ClientKey, "Path to the PEM encoded client private key.")
	fs.BoolVar(&o.Enabled, "cloud.enabled", o.Enabled, "Start the cloud link at boot.")
}
