package main

import (
	"os"

	. "github.com/clackslat/loop-lab" //nolint:stylecheck
	"github.com/ridge/must"
)

const gib = int64(1) << 30

var config = configure()

var targets = []BuildTarget{
	target(ArchX64, 4*gib),
	target(ArchAArch64, 4*gib),
}

func main() {
	Main(config, targets...)
}

func configure() Config {
	config := DefaultConfig()
	config.CacheDir = envOr("LOOPLAB_CACHE_DIR", "/var/cache/looplab")
	config.ForceSerial = os.Getenv("LOOPLAB_SERIAL") != ""
	return config
}

func target(arch Arch, size int64) BuildTarget {
	outDir := envOr("LOOPLAB_OUT_DIR", "out")
	assetDir := envOr("LOOPLAB_ASSET_DIR", "assets")
	t, err := NewBuildTarget(arch,
		outDir+"/boot-"+string(arch)+".img",
		size,
		assetDir+"/rootfs-"+string(arch)+".tar.gz",
		assetDir+"/shell-"+string(arch)+".efi")
	must.OK(err)
	return t
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}
