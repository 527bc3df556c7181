package oauth

// grantStrategy shapes client registration and token requests for one
// grant type.
type grantStrategy interface {
	grantType() GrantType
	clientMetadata(cfg Config, redirectURI string) ClientMetadata
}

type authorizationCodeGrant struct{}

func (authorizationCodeGrant) grantType() GrantType { return GrantAuthorizationCode }

func (authorizationCodeGrant) clientMetadata(cfg Config, redirectURI string) ClientMetadata {
	meta := ClientMetadata{
		TokenEndpointAuthMethod: "none",
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		Scope:                   cfg.Scope,
		ClientName:              cfg.ClientName,
		ClientURI:               cfg.ClientURI,
	}
	if redirectURI != "" {
		meta.RedirectURIs = []string{redirectURI}
	}
	return meta
}

type clientCredentialsGrant struct{}

func (clientCredentialsGrant) grantType() GrantType { return GrantClientCredentials }

func (clientCredentialsGrant) clientMetadata(cfg Config, _ string) ClientMetadata {
	return ClientMetadata{
		TokenEndpointAuthMethod: "client_secret_post",
		GrantTypes:              []string{"client_credentials", "refresh_token"},
		ResponseTypes:           []string{},
		Scope:                   cfg.Scope,
		ClientName:              cfg.ClientName,
		ClientURI:               cfg.ClientURI,
	}
}

func strategyFor(grant GrantType) grantStrategy {
	if grant == GrantClientCredentials {
		return clientCredentialsGrant{}
	}
	return authorizationCodeGrant{}
}
