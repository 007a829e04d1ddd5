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
package confengine

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const content = `
loop:
  tick_timeout: 20ms
  max_connections: 128
  dns_server: 127.0.0.1:5353
listen:
  - address: 127.0.0.1
    port: 8080
  - file: /tmp/reactor.sock
metrics:
  enabled: true
`

type loopSection struct {
	TickTimeout    time.Duration `config:"tick_timeout"`
	MaxConnections int           `config:"max_connections"`
	DNSServer      string        `config:"dns_server"`
	IdleTimeout    time.Duration `config:"idle_timeout"`
}

type listenSection struct {
	Address string `config:"address"`
	Port    int    `config:"port"`
	File    string `config:"file"`
}

func TestLoadContent(t *testing.T) {
	conf, err := LoadContent([]byte(content))
	require.NoError(t, err)

	loop := loopSection{IdleTimeout: time.Minute}
	require.NoError(t, conf.UnpackChild("loop", &loop))
	assert.Equal(t, 20*time.Millisecond, loop.TickTimeout)
	assert.Equal(t, 128, loop.MaxConnections)
	assert.Equal(t, "127.0.0.1:5353", loop.DNSServer)
	assert.Equal(t, time.Minute, loop.IdleTimeout)

	var root struct {
		Listen []listenSection `config:"listen"`
	}
	require.NoError(t, conf.Unpack(&root))
	require.Len(t, root.Listen, 2)
	assert.Equal(t, 8080, root.Listen[0].Port)
	assert.Equal(t, "/tmp/reactor.sock", root.Listen[1].File)

	assert.True(t, conf.Has("metrics"))
	assert.True(t, conf.Enabled("metrics"))
	assert.False(t, conf.Enabled("tls"))

	var untouched loopSection
	require.NoError(t, conf.UnpackChild("missing", &untouched))
	assert.Zero(t, untouched)

	child, err := conf.Child("loop")
	require.NoError(t, err)
	assert.True(t, child.Has("max_connections"))
}

func TestLoadConfigPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reactord.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	conf, err := LoadConfigPath(path)
	require.NoError(t, err)
	assert.True(t, conf.Has("loop.tick_timeout"))

	_, err = LoadConfigPath(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
