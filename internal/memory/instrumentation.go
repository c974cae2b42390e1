package memory

import "go.opentelemetry.io/contrib/bridges/otelslog"

var logger = otelslog.NewLogger("github.com/ent0n29/voicecall/internal/memory")
