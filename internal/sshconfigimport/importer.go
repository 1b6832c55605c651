// Package sshconfigimport adapts entries from an OpenSSH client config file
// (~/.ssh/config) into ServerRecords, supplementing the Control API's
// /import endpoint: a user who already manages a fleet of hosts via
// ssh_config aliases can bring them into tunnelgate without retyping them.
//
// The parsing algorithm -- scan lines, start a new block on "Host ", collect
// indented "Key Value" directives until the next block or EOF -- is adapted
// from the teacher's backend/pkg/sshconfig.SSHConfigManager.GetAllHosts. The
// teacher also builds a full read-modify-write editor for ssh_config
// (AddHost, SetParam, RemoveHost, Save, rewriting the file in place);
// tunnelgate never edits ssh_config -- servers live in the Config Store's
// own JSON document -- so only the read side made the trip here (see
// DESIGN.md for why the write-side API was dropped instead of wired).
package sshconfigimport

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"tunnelgate/internal/model"
)

// hostBlock is one parsed "Host <alias>" section and its directives.
type hostBlock struct {
	alias  string
	params map[string]string
}

// ImportFromFile parses path as an OpenSSH client config and returns one
// ServerRecord per non-global, non-wildcard Host block with a resolvable
// HostName. A missing file is treated as an empty config, not an error --
// the same tolerance the teacher's NewManager gives a not-yet-created
// ~/.ssh/config.
func ImportFromFile(path string) ([]model.ServerRecord, error) {
	blocks, err := parseHostBlocks(path)
	if err != nil {
		return nil, fmt.Errorf("read ssh config %s: %w", path, err)
	}

	records := make([]model.ServerRecord, 0, len(blocks))
	for _, b := range blocks {
		if b.alias == "*" || strings.ContainsAny(b.alias, "*?") {
			continue
		}
		if rec, ok := b.toServerRecord(); ok {
			records = append(records, rec)
		}
	}
	return records, nil
}

func parseHostBlocks(path string) ([]hostBlock, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var blocks []hostBlock
	var current *hostBlock

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value := splitDirective(line)
		if key == "" {
			continue
		}

		if strings.EqualFold(key, "Host") {
			if current != nil {
				blocks = append(blocks, *current)
			}
			current = &hostBlock{alias: value, params: make(map[string]string)}
			continue
		}
		if current == nil {
			continue // directives before any Host block apply globally; no home in ServerRecord
		}
		if _, exists := current.params[key]; !exists {
			current.params[key] = value
		}
	}
	if current != nil {
		blocks = append(blocks, *current)
	}
	return blocks, scanner.Err()
}

// splitDirective splits a config line into its first whitespace-separated
// token and the remainder, the way ssh_config directives are written
// ("HostName 10.0.0.5", "Port 2222").
func splitDirective(line string) (key, value string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", ""
	}
	return fields[0], strings.TrimSpace(strings.Join(fields[1:], " "))
}

// toServerRecord requires at minimum a resolvable HostName; a bare alias
// with no HostName parameter isn't something we can dial and is skipped.
func (b hostBlock) toServerRecord() (model.ServerRecord, bool) {
	hostname := b.params["HostName"]
	if hostname == "" {
		return model.ServerRecord{}, false
	}

	rec := model.ServerRecord{
		Name:     b.alias,
		Host:     hostname,
		SSHPort:  22,
		Username: b.params["User"],
		AuthType: model.AuthPassword,
	}
	if port := b.params["Port"]; port != "" {
		if n, err := strconv.Atoi(port); err == nil {
			rec.SSHPort = n
		}
	}
	if keyPath := b.params["IdentityFile"]; keyPath != "" {
		rec.KeyPath = keyPath
		rec.AuthType = model.AuthKey
	}
	return rec, true
}
