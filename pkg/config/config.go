// Package config loads the server configuration from the environment.
package config

import (
	"log"
	"os"
	"text/tabwriter"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	prefix      = "blitz"
	tableFormat = `BlitzMail is configured via the environment. The following environment
variables can be used:

KEY	DEFAULT	REQUIRED	DESCRIPTION
{{range .}}{{usage_key .}}	{{usage_default .}}	{{usage_required .}}	{{usage_description .}}
{{end}}`
)

var (
	// Version of this build, set by main.
	Version = ""

	// BuildDate for this build, set by main.
	BuildDate = ""
)

// Root wraps all other configurations.
type Root struct {
	LogLevel string `required:"true" default:"info" desc:"debug, info, warn, or error"`
	Mail     Mail
	SMTP     SMTP
	POP3     POP3
	Web      Web
	Storage  Storage
	Lists    Lists
	DND      DND
}

// Mail holds the addressing tables consulted by the resolver.  They are
// loaded once at startup and never mutated.
type Mail struct {
	Hostname       string   `required:"true" default:"blitz.campus.edu" desc:"Served virtual mail hostname"`
	Aliases        []string `desc:"Additional hostnames accepted as local"`
	DomainSuffixes []string `desc:"Local domain suffixes stripped when matching hosts"`
	DNDHosts       []string `desc:"Directory service pseudo hostnames"`
	Servers        []string `desc:"Peer server name table"`
	ThisServer     string   `desc:"This server's name within the peer table"`
	HubHost        string   `desc:"Mail relay hub; empty when this server is sole authority"`
	AllUsersAlias  string   `required:"true" default:"AllUsers" desc:"Privileged broadcast alias"`
	MaxDepth       int      `required:"true" default:"6" desc:"List expansion recursion ceiling"`
	MaxRecips      int      `required:"true" default:"500" desc:"Hard recipient cap per resolution"`
	MaxAddrLen     int      `required:"true" default:"256" desc:"Maximum cleaned address length"`
}

// SMTP contains the SMTP server configuration.
type SMTP struct {
	Addr            string        `required:"true" default:"0.0.0.0:2500" desc:"SMTP server IP4 host:port"`
	Timeout         time.Duration `required:"true" default:"300s" desc:"Idle network timeout"`
	MaxMessageBytes int           `required:"true" default:"2048000" desc:"Maximum message size"`
	Debug           bool          `default:"false" desc:"Dump SMTP network traffic to stdout"`
}

// POP3 contains the POP3 server configuration.
type POP3 struct {
	Addr    string        `required:"true" default:"0.0.0.0:1100" desc:"POP3 server IP4 host:port"`
	Timeout time.Duration `required:"true" default:"600s" desc:"Idle network timeout"`
	Debug   bool          `default:"false" desc:"Dump POP3 network traffic to stdout"`
}

// Web contains the monitor HTTP server configuration.
type Web struct {
	Addr           string `required:"true" default:"0.0.0.0:9000" desc:"Monitor HTTP server IP4 host:port"`
	MonitorHistory int    `required:"true" default:"30" desc:"Delivery events remembered for monitor playback"`
}

// Storage contains the mailbox store configuration.
type Storage struct {
	Type          string `required:"true" default:"memory" desc:"Mailbox store type"`
	MailboxMsgCap int    `required:"true" default:"500" desc:"Maximum messages per mailbox"`
}

// Lists contains the mailing list and preference store configuration.
type Lists struct {
	Dir string `required:"true" default:"/var/spool/blitz" desc:"Mailing list and preference store root"`
}

// DND contains the campus directory configuration.
type DND struct {
	File string `desc:"Directory table loaded at startup; empty starts with no identities"`
}

// Process loads and parses configuration from the environment.
func Process() (*Root, error) {
	c := &Root{}
	err := envconfig.Process(prefix, c)
	return c, err
}

// Usage prints out the envconfig usage to Stderr.
func Usage() {
	tabs := tabwriter.NewWriter(os.Stderr, 1, 0, 4, ' ', 0)
	if err := envconfig.Usagef(prefix, &Root{}, tabs, tableFormat); err != nil {
		log.Fatalf("Unable to parse env config: %v", err)
	}
	tabs.Flush()
}
