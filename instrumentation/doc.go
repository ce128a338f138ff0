// Package instrumentation provides OpenTelemetry metrics and tracing for the
// authorization server.
//
// When Config.Enabled is false every provider is a no-op. When enabled, the
// SDK meter provider is used and, with MetricsExporter set to "prometheus",
// metrics are exposed through MetricsHandler:
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		Enabled:         true,
//		ServiceName:     "oauth-server",
//		MetricsExporter: instrumentation.MetricsExporterPrometheus,
//	})
//	if err != nil {
//		return err
//	}
//	defer inst.Shutdown(context.Background())
//	mux.Handle("/metrics", inst.MetricsHandler())
//
// Span exporters are attached through Config.SpanProcessors.
//
// # Metrics
//
// HTTP:
//   - oauth.http.requests.total{method, endpoint, status}
//   - oauth.http.request.duration{endpoint}
//
// Flows:
//   - oauth.authorization.started{client_id, response_type}
//   - oauth.consent.decisions{client_id, approved}
//   - oauth.token.issued{grant_type, client_type, refresh_token}
//   - oauth.code.redeemed{client_id, pkce_method}
//   - oauth.token.refreshed{client_id}
//   - oauth.token.revoked{token_type}
//   - oauth.token.superseded{grant_type}
//   - oauth.token.verifications{result}
//   - oauth.client.registered{client_type, internal}
//
// Security:
//   - oauth.rate_limit.exceeded{endpoint}
//   - oauth.pkce.validation_failed{method}
//   - oauth.code.reuse_detected
//   - oauth.refresh_token.reuse_detected
//
// Storage:
//   - storage.operation.total{backend, operation, result}
//   - storage.operation.duration{backend, operation}
//   - storage.{clients,codes,access_tokens,refresh_tokens}.count
//
// Span attributes never carry token, code or secret values.
package instrumentation
