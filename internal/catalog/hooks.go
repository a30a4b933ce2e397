// Copyright (C) 2026 The SCR-Go Authors.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package catalog

import (
	"context"
	"time"

	"github.com/scr-go/scr-go/pkg/log"
)

type queryTimerKey struct{}

// hooks satisfies sqlhooks.Hooks, logging every query the catalog
// issues at debug level along with how long it took.
type hooks struct{}

func (hooks) Before(ctx context.Context, query string, args ...interface{}) (context.Context, error) {
	log.Debugf("catalog: query %s %q", query, args)
	return context.WithValue(ctx, queryTimerKey{}, time.Now()), nil
}

func (hooks) After(ctx context.Context, query string, args ...interface{}) (context.Context, error) {
	if begin, ok := ctx.Value(queryTimerKey{}).(time.Time); ok {
		log.Debugf("catalog: took %s", time.Since(begin))
	}
	return ctx, nil
}
