package cloud

import (
	"errors"
	"io/fs"

	"github.com/spf13/viper"

	"hearth.io/hearth/pkg/log"
)

// Store persists the small amount of cloud state that must survive restarts:
// whether the broker already knows this hub, the last display name the cloud
// acknowledged, and the active certificate set.
type Store interface {
	Registered() bool
	SetRegistered(registered bool)

	SyncedName() string
	SetSyncedName(name string)

	Endpoint() string
	SetEndpoint(endpoint string)

	CertificatePaths() (ca, cert, key string)
	SetCertificatePaths(ca, cert, key string)
}

const (
	keyRegistered = "registered"
	keySyncedName = "synced-name"
	keyEndpoint   = "endpoint"
	keyCACert     = "ca-certificate"
	keyClientCert = "client-certificate"
	keyClientKey  = "client-key"
)

type fileStore struct {
	v   *viper.Viper
	log log.Logger
}

// NewFileStore opens (or creates on first write) the YAML state file at path.
func NewFileStore(path string, logger log.Logger) (Store, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	return &fileStore{v: v, log: logger.WithName("cloudstore")}, nil
}

func (s *fileStore) Registered() bool {
	return s.v.GetBool(keyRegistered)
}

func (s *fileStore) SetRegistered(registered bool) {
	s.set(keyRegistered, registered)
}

func (s *fileStore) SyncedName() string {
	return s.v.GetString(keySyncedName)
}

func (s *fileStore) SetSyncedName(name string) {
	s.set(keySyncedName, name)
}

func (s *fileStore) Endpoint() string {
	return s.v.GetString(keyEndpoint)
}

func (s *fileStore) SetEndpoint(endpoint string) {
	s.set(keyEndpoint, endpoint)
}

func (s *fileStore) CertificatePaths() (ca, cert, key string) {
	return s.v.GetString(keyCACert), s.v.GetString(keyClientCert), s.v.GetString(keyClientKey)
}

func (s *fileStore) SetCertificatePaths(ca, cert, key string) {
	s.v.Set(keyCACert, ca)
	s.v.Set(keyClientCert, cert)
	s.set(keyClientKey, key)
}

func (s *fileStore) set(key string, value any) {
	s.v.Set(key, value)
	if err := s.v.WriteConfig(); err != nil {
		s.log.Error(err, "Failed to persist cloud state", "key", key)
	}
}
