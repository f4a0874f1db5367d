// Package registrations wires every built-in adapter into a fresh pair of
// source/destination registries (§4.1 "registries map string keys to
// constructors"). cmd/worker builds its registries here and hands the same
// pair to both the pipeline Engine (/migrate) and workerapi's
// /test-connection handler.
package registrations

import (
	"github.com/cohenjo/migrator/pkg/destination"
	"github.com/cohenjo/migrator/pkg/destination/columnaradapter"
	destmysql "github.com/cohenjo/migrator/pkg/destination/mysqladapter"
	destpostgres "github.com/cohenjo/migrator/pkg/destination/postgresadapter"
	"github.com/cohenjo/migrator/pkg/source"
	"github.com/cohenjo/migrator/pkg/source/crmadapter"
	"github.com/cohenjo/migrator/pkg/source/devopsadapter"
	"github.com/cohenjo/migrator/pkg/source/mssqladapter"
	srcmysql "github.com/cohenjo/migrator/pkg/source/mysqladapter"
	srcpostgres "github.com/cohenjo/migrator/pkg/source/postgresadapter"
)

// Sources returns a Registry with every built-in Source Adapter bound.
func Sources() *source.Registry {
	r := source.NewRegistry()
	r.Register(srcpostgres.SourceType, source.FactoryFunc(srcpostgres.New))
	r.Register(srcmysql.SourceType, source.FactoryFunc(srcmysql.New))
	r.Register(mssqladapter.SourceType, source.FactoryFunc(mssqladapter.New))
	r.Register(crmadapter.SourceType, source.FactoryFunc(crmadapter.New))
	r.Register(devopsadapter.SourceType, source.FactoryFunc(devopsadapter.New))
	return r
}

// Destinations returns a Registry with every built-in Destination Adapter
// bound.
func Destinations() *destination.Registry {
	r := destination.NewRegistry()
	r.Register(destpostgres.DestType, destination.FactoryFunc(destpostgres.New))
	r.Register(destmysql.DestType, destination.FactoryFunc(destmysql.New))
	r.Register(columnaradapter.DestType, destination.FactoryFunc(columnaradapter.New))
	return r
}
