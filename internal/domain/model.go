package domain

import (
	"net"
	"strconv"
)

// OSVersion selects the rendering strategy for a host.
type OSVersion string

const (
	CentOS5 OSVersion = "centos5"
	CentOS7 OSVersion = "centos7"
	Rocky9  OSVersion = "rocky9"
)

// Protocol is the application protocol spoken on a bind.
type Protocol string

const (
	HTTP  Protocol = "http"
	HTTPS Protocol = "https"
	AJP   Protocol = "ajp"
)

// Host is the machine being converged.
type Host struct {
	Name      string    `yaml:"name" validate:"required,hostname_rfc1123"`
	OS        OSVersion `yaml:"os" validate:"required,oneof=centos5 centos7 rocky9"`
	CPUs      int       `yaml:"cpus" validate:"gte=0"` // 0 => runtime.NumCPU()
	Addresses []string  `yaml:"addresses" validate:"dive,ip"`
}

// Instance is one web server process group.
type Instance struct {
	// Name is empty for the default instance.
	Name           string              `yaml:"name"`
	MaxConcurrency int                 `yaml:"maxConcurrency" validate:"gte=1"`
	User           string              `yaml:"user" validate:"required"`
	Group          string              `yaml:"group" validate:"required"`
	PHPVersion     string              `yaml:"phpVersion"`
	Enabled        bool                `yaml:"enabled"`
	Timeout        int                 `yaml:"timeout" validate:"gte=0"`
	ServerAdmin    string              `yaml:"serverAdmin"`
	Modules        map[Module]Tristate `yaml:"modules"`
	Binds          []Bind              `yaml:"binds" validate:"dive"`
}

// DisplayName is the name used in logs and file names ("default" for the unnamed instance).
func (i *Instance) DisplayName() string {
	if i.Name == "" {
		return DefaultInstance
	}
	return i.Name
}

// Override returns the configured override for m, Infer when unset.
func (i *Instance) Override(m Module) Tristate {
	if i.Modules == nil {
		return Infer
	}
	return i.Modules[m]
}

// Bind is an IP:port:protocol endpoint owned by exactly one instance.
type Bind struct {
	IP       string   `yaml:"ip" validate:"required"`
	Port     int      `yaml:"port" validate:"gte=1,lte=65535"`
	Protocol Protocol `yaml:"protocol" validate:"required,oneof=http https ajp"`
}

// ID is the bind's host-unique identifier.
func (b Bind) ID() string {
	return net.JoinHostPort(b.IP, strconv.Itoa(b.Port))
}

// Listen is the address used in Listen / VirtualHost directives.
func (b Bind) Listen() string {
	if b.IP == "" || b.IP == "*" || b.IP == "0.0.0.0" {
		return "*:" + strconv.Itoa(b.Port)
	}
	return b.ID()
}

// Site is a tenant's web site.
type Site struct {
	Name   string `yaml:"name" validate:"required"`
	Host   string `yaml:"host"`
	User   string `yaml:"user" validate:"required"`
	Group  string `yaml:"group" validate:"required"`
	Manual bool   `yaml:"manual"`

	Disabled  bool `yaml:"disabled"`
	ListFirst bool `yaml:"listFirst"`

	CGI            bool   `yaml:"cgi"`
	SSI            bool   `yaml:"ssi"`
	Indexes        bool   `yaml:"indexes"`
	FollowSymlinks bool   `yaml:"followSymlinks"`
	HtAccess       bool   `yaml:"htaccess"`
	AnonymousFTP   bool   `yaml:"anonymousFtp"`
	DatabaseAccess bool   `yaml:"databaseAccess"`
	PHPVersion     string `yaml:"phpVersion"`
	ServerAdmin    string `yaml:"serverAdmin"`

	BlockSCM           bool `yaml:"blockScm"`
	BlockEditorBackups bool `yaml:"blockEditorBackups"`
	BlockCoreDumps     bool `yaml:"blockCoreDumps"`
	BlockTraceTrack    bool `yaml:"blockTraceTrack"`

	WebApps       []WebApp       `yaml:"webapps" validate:"dive"`
	AuthLocations []AuthLocation `yaml:"authLocations" validate:"dive"`
	Tomcat        *Tomcat        `yaml:"tomcat"`
	VirtualHosts  []VirtualHost  `yaml:"virtualHosts" validate:"dive"`
}

// WebApp maps a URL path to a document root.
type WebApp struct {
	// Path is "" for the root web app.
	Path          string   `yaml:"path"`
	DocRoot       string   `yaml:"docRoot"`
	AllowOverride string   `yaml:"allowOverride"`
	Options       []string `yaml:"options"`
	CGI           bool     `yaml:"cgi"`
}

// AuthLocation protects a path with HTTP basic authentication.
type AuthLocation struct {
	Path      string `yaml:"path" validate:"required"`
	Realm     string `yaml:"realm"`
	UserFile  string `yaml:"userFile"`
	GroupFile string `yaml:"groupFile"`
	Require   string `yaml:"require"`
}

// Tomcat is the web-app mount contract with the external application
// container tier: which AJP workers exist and which paths they serve.
type Tomcat struct {
	Workers []JkWorker `yaml:"workers" validate:"dive"`
	Mounts  []JkMount  `yaml:"mounts" validate:"dive"`
	// Unit is the init/systemd unit of the site daemon. Empty means the site
	// has no startable daemon of its own.
	Unit string `yaml:"unit"`
}

type JkWorker struct {
	Name string `yaml:"name" validate:"required"`
	Type string `yaml:"type"`
	Host string `yaml:"host" validate:"required"`
	Port int    `yaml:"port" validate:"gte=1,lte=65535"`
}

type JkMount struct {
	Path    string `yaml:"path" validate:"required"`
	Worker  string `yaml:"worker" validate:"required"`
	Unmount bool   `yaml:"unmount"`
}

// VirtualHost binds a Site to one or more binds of a single instance.
type VirtualHost struct {
	Name              string            `yaml:"name" validate:"required"`
	Binds             []VirtualHostBind `yaml:"binds" validate:"required,min=1,dive"`
	Primary           string            `yaml:"primary" validate:"required"`
	Aliases           []string          `yaml:"aliases"`
	AccessLog         string            `yaml:"accessLog"`
	ErrorLog          string            `yaml:"errorLog"`
	Certificate       *Certificate      `yaml:"certificate"`
	Rewrites          []RewriteRule     `yaml:"rewrites" validate:"dive"`
	Headers           []Header          `yaml:"headers" validate:"dive"`
	RedirectToPrimary bool              `yaml:"redirectToPrimary"`
	Manual            bool              `yaml:"manual"`
	Disabled          bool              `yaml:"disabled"`
}

// VirtualHostBind references a Bind by ID and adds hostnames reachable through it.
type VirtualHostBind struct {
	Bind    string   `yaml:"bind" validate:"required"`
	Aliases []string `yaml:"aliases"`
}

type Certificate struct {
	CertFile  string `yaml:"certFile" validate:"required"`
	KeyFile   string `yaml:"keyFile" validate:"required"`
	ChainFile string `yaml:"chainFile"`
}

type Header struct {
	// Action is one of set, append, add, unset, merge.
	Action string `yaml:"action" validate:"required,oneof=set append add unset merge"`
	Name   string `yaml:"name" validate:"required"`
	Value  string `yaml:"value"`
	Always bool   `yaml:"always"`
}
