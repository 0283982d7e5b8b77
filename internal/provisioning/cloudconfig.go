package provisioning

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

const userDataTemplate = `#cloud-config
ssh_pwauth: no
{{- if .Hostname}}
hostname: {{.Hostname}}
{{- end}}
users:
  - name: {{.Username}}
    sudo: ALL=(ALL) NOPASSWD:ALL
    shell: /bin/bash
    ssh_authorized_keys:
      - "{{.PublicKey}}"
`

var userDataTmpl = template.Must(template.New("user-data").Parse(userDataTemplate))

type userData struct {
	Hostname  string
	Username  string
	PublicKey string
}

// UserData renders cloud-init user data creating username with publicKey.
// It returns an empty string when there is nothing to inject.
func UserData(hostname, username, publicKey string) (string, error) {
	publicKey = strings.TrimSpace(publicKey)
	if username == "" || publicKey == "" {
		return "", nil
	}
	if strings.ContainsAny(publicKey, "\"\n") {
		return "", fmt.Errorf("%w: public key must be a single authorized_keys line", ErrInvalidRequest)
	}

	var buf bytes.Buffer
	if err := userDataTmpl.Execute(&buf, userData{
		Hostname:  hostname,
		Username:  username,
		PublicKey: publicKey,
	}); err != nil {
		return "", fmt.Errorf("failed to render user data: %w", err)
	}
	return buf.String(), nil
}
