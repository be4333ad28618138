// Package all registers every warehouse backend with the factory.
// Config specifies which to use but the binary builds in support for all of
// them.
package all

import (
	_ "entitypipeline/internal/warehouse/mssql"
	_ "entitypipeline/internal/warehouse/postgres"
	_ "entitypipeline/internal/warehouse/sqlite"
)
