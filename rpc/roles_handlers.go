package rpc

import (
	"net/http"

	"bookingescrow/crypto"
	"bookingescrow/gateway/middleware"
	"bookingescrow/native/escrow"
)

type roleParams struct {
	Role     string `json:"role"`
	Identity string `json:"identity,omitempty"`
}

type roleMembersJSON struct {
	Role    string   `json:"role"`
	Members []string `json:"members"`
}

func (s *Server) handleRolesAuthorize(r *http.Request, req *RPCRequest) (interface{}, *methodError) {
	return s.mutateRole(r, req, s.engine.Authorize)
}

func (s *Server) handleRolesRevoke(r *http.Request, req *RPCRequest) (interface{}, *methodError) {
	return s.mutateRole(r, req, s.engine.Revoke)
}

func (s *Server) mutateRole(r *http.Request, req *RPCRequest, fn func([20]byte, escrow.Role, [20]byte) error) (interface{}, *methodError) {
	role, identity, merr := decodeRoleParams(req, true)
	if merr != nil {
		return nil, merr
	}
	caller, _ := middleware.CallerFromContext(r.Context())
	if err := fn(caller, role, identity); err != nil {
		return nil, escrowError(err)
	}
	authorized, err := s.engine.IsAuthorized(role, identity)
	if err != nil {
		return nil, escrowError(err)
	}
	return authorized, nil
}

func (s *Server) handleRolesIsAuthorized(r *http.Request, req *RPCRequest) (interface{}, *methodError) {
	role, identity, merr := decodeRoleParams(req, true)
	if merr != nil {
		return nil, merr
	}
	authorized, err := s.engine.IsAuthorized(role, identity)
	if err != nil {
		return nil, escrowError(err)
	}
	return authorized, nil
}

func (s *Server) handleRolesMembers(r *http.Request, req *RPCRequest) (interface{}, *methodError) {
	role, _, merr := decodeRoleParams(req, false)
	if merr != nil {
		return nil, merr
	}
	members, err := s.engine.Members(role)
	if err != nil {
		return nil, escrowError(err)
	}
	out := roleMembersJSON{Role: role.String(), Members: make([]string, 0, len(members))}
	for _, member := range members {
		out.Members = append(out.Members, crypto.FormatIdentity(member))
	}
	return out, nil
}

func decodeRoleParams(req *RPCRequest, needIdentity bool) (escrow.Role, [20]byte, *methodError) {
	var params roleParams
	if merr := decodeParams(req, &params); merr != nil {
		return 0, [20]byte{}, merr
	}
	role, err := escrow.ParseRole(params.Role)
	if err != nil {
		return 0, [20]byte{}, invalidParams("invalid role", err)
	}
	if !needIdentity {
		return role, [20]byte{}, nil
	}
	identity, err := crypto.ParseIdentity(params.Identity)
	if err != nil {
		return 0, [20]byte{}, invalidParams("invalid identity", err)
	}
	return role, identity, nil
}
