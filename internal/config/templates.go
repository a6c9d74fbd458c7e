package config

import (
	"fmt"
	"os"
	"strings"
)

// OfficialServerListURL serves the game's account document with its
// server list.
const OfficialServerListURL = "https://realmofthemadgodhrd.appspot.com/char/list"

// Template returns a starter realmpipe.toml. kind picks where upstream
// servers come from: "single" for one server_addr, "servers" for a named
// table, "official" for the downloaded list.
func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "single":
		return singleTemplate, nil
	case "servers":
		return serversTemplate, nil
	case "official":
		return officialTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const commonTemplate = `listen_addr = "127.0.0.1:2050"
admin_addr = "127.0.0.1:2099"
admin_cors_origins = ["http://localhost:3000"]
admin_token = ""

# 26 bytes of hex: first half keys client->server, second half server->client
rc4_key = "311f80691451c71d09a13a2a6e4e2f2a1b3c4d5e6f708192a3b4"

# registry_file = "packets.yaml"
# protocol_version = "X31.2.0"

max_packet_bytes = 8388608
id_width = 1
read_buffer_bytes = 8192
write_timeout = "15s"
dial_timeout = "10s"
idle_timeout = "0s"

policy_file = true
log_packets = false
drop_packets = []
hooks = []
`

const singleTemplate = commonTemplate + `
server_addr = "127.0.0.1:2051"
`

const serversTemplate = commonTemplate + `
default_server = "USEast"

[servers]
USEast = "127.0.0.1:2051"
EUWest = "127.0.0.1:2052"
`

const officialTemplate = commonTemplate + `
server_list_url = "` + OfficialServerListURL + `"
default_server = "USEast"
`
