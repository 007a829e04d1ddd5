// Copyright (c) 2020 The Reactor Authors. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package reactor

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const (
	selfSignedCertName = "reactor-selfsigned.crt"
	selfSignedKeyName  = "reactor-selfsigned.key"
)

var selfSigned struct {
	once     sync.Once
	certPEM  []byte
	keyPEM   []byte
	err      error
	mu       sync.Mutex
	material map[string]bool
}

// generateSelfSigned creates an ECDSA P-256 certificate valid for localhost and the loopback addresses.
func generateSelfSigned() (certPEM, keyPEM []byte, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, errors.Wrap(err, "generate key pair")
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return nil, nil, errors.Wrap(err, "generate serial number")
	}
	now := time.Now()
	tmpl := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "localhost", Organization: []string{"reactor"}},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.AddDate(1, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, nil, errors.Wrap(err, "create certificate")
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, errors.Wrap(err, "marshal private key")
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM, nil
}

// selfSignedFiles writes the process-wide self-signed key pair into dir and returns the paths.
func selfSignedFiles(dir string) (certFile, keyFile string, err error) {
	selfSigned.once.Do(func() {
		selfSigned.certPEM, selfSigned.keyPEM, selfSigned.err = generateSelfSigned()
	})
	if selfSigned.err != nil {
		return "", "", selfSigned.err
	}
	if dir == "" {
		dir = os.TempDir()
	}
	certFile = filepath.Join(dir, selfSignedCertName)
	keyFile = filepath.Join(dir, selfSignedKeyName)

	selfSigned.mu.Lock()
	defer selfSigned.mu.Unlock()
	if selfSigned.material[dir] {
		return certFile, keyFile, nil
	}
	if err = os.WriteFile(certFile, selfSigned.certPEM, 0o644); err != nil {
		return "", "", errors.Wrap(err, "write self-signed certificate")
	}
	if err = os.WriteFile(keyFile, selfSigned.keyPEM, 0o600); err != nil {
		return "", "", errors.Wrap(err, "write self-signed key")
	}
	if selfSigned.material == nil {
		selfSigned.material = make(map[string]bool)
	}
	selfSigned.material[dir] = true
	return certFile, keyFile, nil
}
