// Package services maps TCP ports to service names. Labels are cosmetic:
// they never influence how a port is classified.
package services

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"

	"recon/logging"
)

// Registry is a read-only port→name table. It is safe for concurrent reads
// once built.
type Registry struct {
	tcp map[uint16]entry
}

type entry struct {
	name string
	freq float64
}

// wellKnown is the built-in table, most commonly open ports first.
var wellKnown = []struct {
	port uint16
	name string
}{
	{80, "http"}, {23, "telnet"}, {443, "https"}, {21, "ftp"}, {22, "ssh"},
	{25, "smtp"}, {3389, "ms-wbt-server"}, {110, "pop3"}, {445, "microsoft-ds"},
	{139, "netbios-ssn"}, {143, "imap"}, {53, "domain"}, {135, "msrpc"},
	{3306, "mysql"}, {8080, "http-proxy"}, {1723, "pptp"}, {111, "rpcbind"},
	{995, "pop3s"}, {993, "imaps"}, {5900, "vnc"}, {1025, "NFS-or-IIS"},
	{587, "submission"}, {8888, "sun-answerbook"}, {199, "smux"}, {1720, "h323q931"},
	{465, "smtps"}, {548, "afp"}, {113, "ident"}, {81, "hosts2-ns"},
	{6001, "X11:1"}, {10000, "snet-sensor-mgmt"}, {514, "shell"}, {5060, "sip"},
	{179, "bgp"}, {1026, "LSA-or-nterm"}, {2000, "cisco-sccp"}, {8443, "https-alt"},
	{8000, "http-alt"}, {32768, "filenet-tms"}, {554, "rtsp"}, {26, "rsftp"},
	{1433, "ms-sql-s"}, {49152, "unknown"}, {2001, "dc"}, {515, "printer"},
	{8008, "http"}, {49154, "unknown"}, {1027, "IIS"}, {5666, "nrpe"},
	{646, "ldp"}, {5000, "upnp"}, {5631, "pcanywheredata"}, {631, "ipp"},
	{49153, "unknown"}, {8081, "blackice-icecap"}, {2049, "nfs"}, {88, "kerberos-sec"},
	{79, "finger"}, {5800, "vnc-http"}, {106, "pop3pw"}, {2121, "ccproxy-ftp"},
	{1110, "nfsd-status"}, {49155, "unknown"}, {6000, "X11"}, {513, "login"},
	{990, "ftps"}, {5357, "wsdapi"}, {427, "svrloc"}, {49156, "unknown"},
	{543, "klogin"}, {544, "kshell"}, {5101, "admdog"}, {144, "news"},
	{7, "echo"}, {389, "ldap"}, {5432, "postgresql"}, {6379, "redis"},
	{27017, "mongod"}, {9200, "wap-wsp"}, {11211, "memcache"}, {636, "ldapssl"},
	{873, "rsync"}, {1521, "oracle"}, {2375, "docker"}, {5672, "amqp"},
	{6443, "sun-sr-https"}, {9090, "zeus-admin"}, {9100, "jetdirect"},
}

// Default returns the built-in registry.
func Default() *Registry {
	r := &Registry{tcp: make(map[uint16]entry, len(wellKnown))}
	n := float64(len(wellKnown))
	for i, wk := range wellKnown {
		if _, ok := r.tcp[wk.port]; ok {
			continue
		}
		// Rank becomes a pseudo frequency so Top preserves list order.
		r.tcp[wk.port] = entry{name: wk.name, freq: (n - float64(i)) / n}
	}
	return r
}

// Load reads an nmap-services file and layers it over the built-in table.
func Load(path string) (*Registry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open file %s: %w", path, err)
	}
	defer file.Close()

	r := Default()
	if err := r.parse(file, logging.Logger()); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return r, nil
}

// Parse reads nmap-services formatted entries from rd into a fresh
// registry without the built-in table.
func Parse(rd io.Reader) (*Registry, error) {
	r := &Registry{tcp: make(map[uint16]entry)}
	if err := r.parse(rd, logging.Logger()); err != nil {
		return nil, err
	}
	return r, nil
}

// parse handles lines like:
// http	80/tcp	0.484143	# World Wide Web HTTP
func (r *Registry) parse(rd io.Reader, log *slog.Logger) error {
	sc := bufio.NewScanner(rd)
	lineNum := 0
	for sc.Scan() {
		lineNum++
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}

		portProto := strings.SplitN(fields[1], "/", 2)
		if len(portProto) != 2 {
			log.Debug("services: malformed port field", "line", lineNum, "field", fields[1])
			continue
		}
		if portProto[1] != "tcp" {
			continue
		}
		port, err := strconv.ParseUint(portProto[0], 10, 16)
		if err != nil || port == 0 {
			log.Debug("services: invalid port", "line", lineNum, "field", fields[1])
			continue
		}

		var freq float64
		if len(fields) >= 3 {
			freq, _ = strconv.ParseFloat(fields[2], 64)
		}
		prev, ok := r.tcp[uint16(port)]
		if ok && prev.freq > freq {
			continue
		}
		r.tcp[uint16(port)] = entry{name: fields[0], freq: freq}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("error reading services: %w", err)
	}
	return nil
}

// Lookup returns the service name for a TCP port, or "" if unknown.
func (r *Registry) Lookup(port uint16) string {
	if r == nil {
		return ""
	}
	return r.tcp[port].name
}

// Len returns the number of known ports.
func (r *Registry) Len() int { return len(r.tcp) }

// Top returns the n most frequently open ports, most frequent first.
func (r *Registry) Top(n int) []uint16 {
	ports := make([]uint16, 0, len(r.tcp))
	for p := range r.tcp {
		ports = append(ports, p)
	}
	sort.Slice(ports, func(i, j int) bool {
		a, b := r.tcp[ports[i]], r.tcp[ports[j]]
		if a.freq != b.freq {
			return a.freq > b.freq
		}
		return ports[i] < ports[j]
	})
	if n > 0 && n < len(ports) {
		ports = ports[:n]
	}
	return ports
}
