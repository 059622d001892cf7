package accounts

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/MrSnakeDoc/httpdsync/internal/domain"
)

func TestPasswdHomeDirs(t *testing.T) {
	p := filepath.Join(t.TempDir(), "passwd")
	content := "root:x:0:0:root:/root:/bin/bash\n" +
		"# comment\n" +
		"shop:x:1001:1001::/var/www/shop:/sbin/nologin\n" +
		"broken line\n"
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	dirs, err := Passwd{Path: p}.HomeDirs()
	if err != nil {
		t.Fatal(err)
	}
	if len(dirs) != 2 || dirs[0] != "/root" || dirs[1] != "/var/www/shop" {
		t.Errorf("HomeDirs() = %v", dirs)
	}
}

func TestStaticMissingAccount(t *testing.T) {
	s := &Static{Users: map[string]int{"shop": 1001}, Groups: map[string]int{}}
	if _, _, err := Owner(s, domain.Identity{User: "shop", Group: "shop"}); !errors.Is(err, domain.ErrMissingAccount) {
		t.Errorf("Owner() error = %v, want ErrMissingAccount", err)
	}
}

func TestOSRoot(t *testing.T) {
	uid, gid, err := Owner(OS{}, domain.Identity{User: "root", Group: "root"})
	if err != nil || uid != 0 || gid != 0 {
		t.Errorf("Owner(root) = %d, %d, %v", uid, gid, err)
	}
}
