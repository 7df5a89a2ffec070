package artifacts

import _ "embed"

// Embedded templates written out by `dedupfs init`.

//go:embed store/config.yaml
var StoreConfig []byte
