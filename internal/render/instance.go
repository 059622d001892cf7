// Package render builds every generated artifact as a byte buffer: instance
// configs, per-site shared includes, virtual host files, connector maps,
// tmpfiles specs and helper scripts. Output depends only on its inputs, so an
// unchanged desired state renders byte-identical files.
package render

import (
	"path"

	"github.com/MrSnakeDoc/httpdsync/internal/capacity"
	"github.com/MrSnakeDoc/httpdsync/internal/domain"
	"github.com/MrSnakeDoc/httpdsync/internal/inference"
)

// Builder renders artifacts for one OS generation.
type Builder struct {
	Strategy    Strategy
	WWWDir      string
	LogDir      string
	DisabledDir string
	// Fallback is the identity of disabled instances and sites.
	Fallback domain.Identity
}

// InstanceInput is what the instance main config is built from.
type InstanceInput struct {
	Host     domain.Host
	Instance *domain.Instance
	Features inference.Features
	Plan     capacity.Plan
	// Placements are the virtual hosts served by the instance in include order.
	Placements []domain.Placement
}

// Identity returns the OS identity the instance runs as.
func (b *Builder) Identity(inst *domain.Instance) domain.Identity {
	if !inst.Enabled {
		return b.Fallback
	}
	return domain.Identity{User: inst.User, Group: inst.Group}
}

// InstanceConfig renders the instance's main configuration file.
func (b *Builder) InstanceConfig(in InstanceInput) []byte {
	s := b.Strategy
	inst := in.Instance
	f := in.Features
	id := b.Identity(inst)
	c := newConf()

	c.comment("instance %s", inst.DisplayName())
	c.line("ServerRoot %s", quote(s.ServerRoot()))
	c.line("PidFile %s", quote(s.PidFile(inst)))
	c.line("ServerName %s", in.Host.Name)
	if inst.ServerAdmin != "" {
		c.line("ServerAdmin %s", inst.ServerAdmin)
	}
	c.line("User %s", id.User)
	c.line("Group %s", id.Group)
	timeout := inst.Timeout
	if timeout <= 0 {
		timeout = 60
	}
	c.line("Timeout %d", timeout)
	c.line("KeepAlive On")
	c.line("ServerTokens Prod")
	c.line("ServerSignature Off")
	c.line("TraceEnable Off")
	c.blank()

	for _, lm := range s.BaseModules(in.Plan) {
		c.line("LoadModule %s %s", lm.Name, lm.File)
	}
	for _, m := range f.Enabled() {
		for _, lm := range s.Module(m, inst, in.Plan) {
			c.line("LoadModule %s %s", lm.Name, lm.File)
		}
	}
	c.blank()

	b.mpm(c, in.Plan)
	c.blank()

	for _, bind := range inst.Binds {
		switch bind.Protocol {
		case domain.HTTPS:
			c.line("Listen %s https", bind.Listen())
		case domain.HTTP:
			c.line("Listen %s", bind.Listen())
		}
	}
	if s.NameVirtualHost() {
		for _, bind := range inst.Binds {
			if bind.Protocol != domain.AJP {
				c.line("NameVirtualHost %s", bind.Listen())
			}
		}
	}
	c.blank()

	logs := InstanceLogDir(b.LogDir, inst)
	c.line("%s", `LogFormat "%h %l %u %t \"%r\" %>s %b \"%{Referer}i\" \"%{User-Agent}i\"" combined`)
	c.line("ErrorLog %s", quote(path.Join(logs, "error_log")))
	c.line("CustomLog %s combined", quote(path.Join(logs, "access_log")))
	c.line("LogLevel warn")
	c.blank()

	b.globals(c, in)

	c.open("Directory", quote("/"))
	c.line("AllowOverride None")
	c.line("Options None")
	c.lines(s.DenyAll())
	c.close("Directory")
	c.blank()

	c.comment("virtual hosts")
	for _, p := range in.Placements {
		c.line("Include %s", quote(VirtualHostPath(s, inst, p.Site.Name, p.VirtualHost.Name)))
	}
	return c.bytes()
}

func (b *Builder) mpm(c *conf, p capacity.Plan) {
	maxWorkers := b.Strategy.MaxWorkersDirective()
	c.open("IfModule", "mpm_"+string(p.MPM)+"_module")
	c.line("StartServers %d", p.StartServers)
	if p.Threaded() {
		c.line("ServerLimit %d", p.Servers)
		c.line("ThreadsPerChild %d", p.Threads)
		c.line("ThreadLimit %d", p.Threads)
		c.line("MinSpareThreads %d", p.MinSpare)
		c.line("MaxSpareThreads %d", p.MaxSpare)
	} else {
		c.line("ServerLimit %d", p.Servers)
		c.line("MinSpareServers %d", p.MinSpare)
		c.line("MaxSpareServers %d", p.MaxSpare)
	}
	c.line("%s %d", maxWorkers, p.MaxWorkers)
	c.close("IfModule")
}

func (b *Builder) globals(c *conf, in InstanceInput) {
	s := b.Strategy
	inst := in.Instance
	f := in.Features

	if f.On(domain.ModMime) {
		c.line("TypesConfig /etc/mime.types")
		c.line("AddDefaultCharset UTF-8")
	}
	if f.On(domain.ModDir) {
		index := "index.html index.htm"
		if f.On(domain.ModPHP) || f.On(domain.ModActions) {
			index += " index.php"
		}
		c.line("DirectoryIndex %s", index)
	}
	if f.On(domain.ModDeflate) {
		c.line("AddOutputFilterByType DEFLATE text/html text/plain text/css text/xml application/javascript application/json")
	}
	if f.On(domain.ModBrotli) {
		c.line("AddOutputFilterByType BROTLI_COMPRESS text/html text/plain text/css text/xml application/javascript application/json")
	}
	if f.On(domain.ModPHP) {
		c.open("FilesMatch", quote(`\.php$`))
		c.line("SetHandler application/x-httpd-php")
		c.close("FilesMatch")
	}
	if f.On(domain.ModCGI) && in.Plan.Threaded() {
		c.line("ScriptSock %s", quote(path.Join(path.Dir(s.PidFile(inst)), inst.DisplayName()+".cgisock")))
	}
	if f.On(domain.ModSSL) {
		c.line("SSLPassPhraseDialog builtin")
		if f.On(domain.ModSocacheSHM) || s.NameVirtualHost() {
			c.line("SSLSessionCache %s", quote("shmcb:"+path.Join(path.Dir(s.PidFile(inst)), inst.DisplayName()+"-sslcache")+"(512000)"))
		}
		c.line("SSLSessionCacheTimeout 300")
		c.line("SSLRandomSeed startup file:/dev/urandom 256")
		c.line("SSLRandomSeed connect builtin")
		c.line("SSLProtocol all -SSLv2 -SSLv3")
		c.line("SSLHonorCipherOrder on")
	}
	if f.On(domain.ModSetEnvIf) {
		c.line(`BrowserMatch "MSIE [2-5]" nokeepalive ssl-unclean-shutdown downgrade-1.0 force-response-1.0`)
	}
	if f.On(domain.ModJK) {
		logs := InstanceLogDir(b.LogDir, inst)
		c.line("JkWorkersFile %s", quote(WorkersPath(s, inst)))
		c.line("JkShmFile %s", quote(path.Join(logs, "jk.shm")))
		c.line("JkLogFile %s", quote(path.Join(logs, "mod_jk.log")))
		c.line("JkLogLevel error")
	}
	c.blank()
}

// Ordinal returns the position of inst among all instances sorted by name,
// with the default instance at 0. Legacy init scripts are numbered by it.
func Ordinal(instances []domain.Instance, inst *domain.Instance) int {
	if inst.Name == "" {
		return 0
	}
	n := 1
	for i := range instances {
		other := &instances[i]
		if other.Name != "" && other.Name < inst.Name {
			n++
		}
	}
	return n
}
