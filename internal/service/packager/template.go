package packager

import (
	"fmt"
	"strings"
)

// renderDefaultConfig produces the default installation settings shipped
// inside the archive, pointing a fresh device at the publishing channel.
func (p *packager) renderDefaultConfig() []byte {
	var builder strings.Builder

	builder.WriteString("# fleetpack installation settings, release ")
	builder.WriteString(p.identity.FullVersion())
	builder.WriteString("\n")
	fmt.Fprintf(&builder, "update_url: %q\n", p.cfg.UpdateURL)
	fmt.Fprintf(&builder, "channel: %s\n", p.cfg.Channel)
	fmt.Fprintf(&builder, "executable: %s\n", p.cfg.Executable)

	return []byte(builder.String())
}

func (p *packager) renderInstallScript() []byte {
	script := `#!/bin/sh
# Installs fleetpack release %s.
set -e
install -m 0755 bin/%s /usr/local/bin/%s
install -m 0644 config/default.yaml /etc/fleetpack/settings.yaml
echo "installed %s %s"
`

	return []byte(fmt.Sprintf(script,
		p.identity.FullVersion(),
		p.cfg.Executable, p.cfg.Executable,
		p.cfg.Executable, p.identity.Semantic))
}

func (p *packager) renderUninstallScript() []byte {
	script := `#!/bin/sh
# Removes fleetpack release %s.
set -e
rm -f /usr/local/bin/%s
echo "removed %s"
`

	return []byte(fmt.Sprintf(script,
		p.identity.FullVersion(), p.cfg.Executable, p.cfg.Executable))
}

func (p *packager) renderReadme() []byte {
	var builder strings.Builder

	fmt.Fprintf(&builder, "%s %s\n\n", p.cfg.Executable, p.identity.Semantic)
	fmt.Fprintf(&builder, "Release %s for %s, built from revision %s on %s.\n",
		p.identity.Semantic, p.identity.Platform, p.identity.Revision, p.identity.BuildDate)
	builder.WriteString("\nThe archive is distributed with a detached signature (.sig)\n")
	builder.WriteString("and an entry in the channel checksum listings. Verify both\n")
	builder.WriteString("before installing by hand.\n")

	return []byte(builder.String())
}
