// The reference worker binary. It carries an empty callable registry, so it
// can drain a queue only into not-registered failures; real deployments build
// their own binary around workercmd.Command with their registrations and
// point Config.WorkerBinary at it. Kept as the default spawn target and as
// the template for those binaries.
package main

import (
	"os"

	"github.com/glamboyosa/queued/codec"
	"github.com/glamboyosa/queued/workercmd"
)

func main() {
	if err := workercmd.Command(codec.NewRegistry()).Execute(); err != nil {
		os.Exit(1)
	}
}
