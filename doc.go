// Package cpfd serves identity-record lookups (people by CPF or name, and
// the companies they are partners in) over a small HTTP/1.x subset on raw
// TCP, optionally upgraded to TLS.
//
// Each connection carries exactly one request. The first read is routed by
// its request line, answered with a buffered JSON body or a chunked
// progress stream, and the connection is closed.
//
// # Running a server
//
//	cfg := cpfd.Config{
//	    Listen:         ":5050",
//	    CPFStore:       "db/cpf.db",
//	    CNPJStore:      "db/cnpj.db",
//	    MaxConcurrency: 32,
//	    StreamRoutes:   []string{"name"},
//	}
//	srv, err := cpfd.NewServer(cfg)
//	if err != nil { log.Fatal(err) }
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("cpfd: %v", err)
//	    }
//	}()
//	defer srv.Close()
//
// Start blocks until Stop, Shutdown or Close. A stopped server may be
// started again and binds a fresh listener.
//
// # Admission
//
// At most Config.MaxConcurrency connections are handled at once. Further
// connections wait in the accept loop for a permit; every handler releases
// its permit and closes its connection exactly once, including when the
// handler panics.
//
// # Routes
//
//	OPTIONS *                                              CORS preflight (204)
//	GET /health                                            {"status":"ok"}
//	GET /get-person-by-cpf/<cpf>
//	GET /get-person-by-exact-name/<name>
//	GET /get-person-by-name/<name>
//	GET /get-person-cnpj-by-name-cpf-radical/<name>-<cpf>
//	GET /get-person-cnpj-by-name-cpf/<name>-<cpf>
//	GET /get-person-cnpj-by-name/<name>
//
// Unknown or malformed requests receive 400 {"error":"Invalid request"}.
// Lookups without results receive 404 with a route specific message.
//
// # TLS
//
// Setting Config.TLSCertFile and Config.TLSKeyFile (or WithTLSConfig)
// enables TLS. The handshake runs inside the connection handler under
// Config.HandshakeTimeout. With Config.TLSWatch the key pair is reloaded
// whenever the files change.
package cpfd
