package datasource

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/drbfraser/CRADLE-Platform-sub000/pkg/rules"
)

// Logger matches the narrow logging interface injected throughout the engine.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Resolver turns declared datasource variables into a flat variable → value
// map by querying the catalogue. Each object is fetched at most once per
// Resolve call regardless of how many of its attributes are requested.
type Resolver struct {
	catalogue *Catalogue
	logger    Logger
}

func NewResolver(catalogue *Catalogue, logger Logger) *Resolver {
	return &Resolver{catalogue: catalogue, logger: logger}
}

// Resolve resolves the requested variables against the id context. Variables
// are returned under their declared names (sigil prefix preserved). A
// variable whose object cannot be found, whose attribute does not exist, or
// which cannot be parsed resolves to nil rather than an error; only a failed
// store lookup is an error.
func (r *Resolver) Resolve(ids Context, vars []string) (map[string]any, error) {
	resolved := make(map[string]any, len(vars))
	byObject := make(map[string][]parsedVar)

	for _, declared := range vars {
		name := strings.TrimPrefix(declared, "$")
		dv := rules.ParseDatasourceVariable(name)
		if dv == nil {
			r.logger.Infof("Unparseable datasource variable '%s', resolving to null", declared)
			resolved[declared] = nil
			continue
		}
		byObject[dv.Object] = append(byObject[dv.Object], parsedVar{declared: declared, attribute: dv.Attribute})
	}

	for object, requested := range byObject {
		src, ok := r.catalogue.Source(object)
		if !ok {
			r.logger.Infof("Unknown datasource object '%s', resolving %d variable(s) to null", object, len(requested))
			for _, v := range requested {
				resolved[v.declared] = nil
			}
			continue
		}

		rec, err := src.Query(ids)
		if err != nil {
			return nil, errors.Wrapf(err, "query datasource object '%s'", object)
		}
		if rec == nil {
			for _, v := range requested {
				resolved[v.declared] = nil
			}
			continue
		}

		fields := rec.Fields()
		for _, v := range requested {
			resolved[v.declared] = resolveAttribute(src, fields, v.attribute)
		}
	}

	return resolved, nil
}

func resolveAttribute(src Source, fields map[string]any, attribute string) any {
	if val, ok := fields[attribute]; ok && val != nil {
		return val
	}
	if fn, ok := src.Computed[attribute]; ok {
		return fn(fields)
	}
	return nil
}

type parsedVar struct {
	declared  string
	attribute string
}
